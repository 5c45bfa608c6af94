package embed

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_GetConstructsOncePerRole(t *testing.T) {
	// Given a registry configured for the static (no-network) provider
	reg := NewRegistry(RegistryConfig{Provider: "static", CodeModel: "x", SemanticModel: "y"})
	ctx := context.Background()

	// When Get is called twice for the same role
	first, err := reg.Get(ctx, RoleCode)
	require.NoError(t, err)
	second, err := reg.Get(ctx, RoleCode)
	require.NoError(t, err)

	// Then the same instance is returned both times
	require.Same(t, first, second)
}

func TestRegistry_RolesAreIndependent(t *testing.T) {
	// Given a registry with both roles constructed
	reg := NewRegistry(RegistryConfig{Provider: "static"})
	ctx := context.Background()

	code, err := reg.Get(ctx, RoleCode)
	require.NoError(t, err)
	semantic, err := reg.Get(ctx, RoleSemantic)
	require.NoError(t, err)

	// Then each role gets its own embedder instance
	require.NotSame(t, code, semantic)
}

func TestRegistry_UnknownRoleErrors(t *testing.T) {
	// Given a registry
	reg := NewRegistry(RegistryConfig{Provider: "static"})

	// When an unregistered role is requested
	_, err := reg.Get(context.Background(), Role("nonsense"))

	// Then it errors rather than silently constructing something
	require.Error(t, err)
}

func TestRegistry_ConcurrentGetIsSafe(t *testing.T) {
	// Given a registry under concurrent access
	reg := NewRegistry(RegistryConfig{Provider: "static"})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Embedder, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			e, err := reg.Get(ctx, RoleCode)
			require.NoError(t, err)
			results[idx] = e
		}(i)
	}
	wg.Wait()

	// Then every goroutine observes the same constructed instance
	for i := 1; i < len(results); i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestRegistry_DescribeOmitsUnrequestedRoles(t *testing.T) {
	// Given a registry where only the code role has been used
	reg := NewRegistry(RegistryConfig{Provider: "static"})
	ctx := context.Background()
	_, err := reg.Get(ctx, RoleCode)
	require.NoError(t, err)

	// When described
	infos := reg.Describe(ctx)

	// Then only the code role appears, to avoid a cold model load as a side effect
	require.Len(t, infos, 1)
	require.Equal(t, RoleCode, infos[0].Role)
}

func TestRegistry_CloseReleasesConstructedEmbedders(t *testing.T) {
	// Given a registry with one embedder constructed
	reg := NewRegistry(RegistryConfig{Provider: "static"})
	ctx := context.Background()
	_, err := reg.Get(ctx, RoleCode)
	require.NoError(t, err)

	// When closed
	err = reg.Close()

	// Then no error is returned (static embedder's Close is a no-op)
	require.NoError(t, err)
}
