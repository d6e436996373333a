package hostapi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/hearth/internal/hostapi"
)

func TestDefaultRegistryList(t *testing.T) {
	reg := hostapi.DefaultRegistry()

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "os", list[0].Name)
	assert.Equal(t, []string{"os"}, list[0].Globals)
	assert.Contains(t, list[0].Methods, "startTimer")
	assert.Equal(t, "term", list[1].Name)
}

func TestRegistryBuildBindsEnvironment(t *testing.T) {
	reg := hostapi.DefaultRegistry()
	env := &fakeEnv{}

	apis := reg.Build(env)
	require.Len(t, apis, 2)

	_, err := call(t, apis[1], nil, "write", "bound")
	require.NoError(t, err)
	assert.Equal(t, []string{"bound"}, env.output)
}

func TestRegistryReplace(t *testing.T) {
	reg := hostapi.NewRegistry()
	reg.Register("term", func(env hostapi.Environment) hostapi.API { return hostapi.NewTermAPI(env) })
	reg.Register("term", func(env hostapi.Environment) hostapi.API { return hostapi.NewOSAPI(env) })

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, []string{"os"}, list[0].Globals)
}
