package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService records lifecycle calls into a shared trace.
type fakeService struct {
	name    string
	trace   *[]string
	initErr error
	downErr error
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Init(context.Context) error {
	*f.trace = append(*f.trace, "init:"+f.name)
	return f.initErr
}

func (f *fakeService) Reset(context.Context) error {
	*f.trace = append(*f.trace, "reset:"+f.name)
	return nil
}

func (f *fakeService) Shutdown(_ context.Context, terminate bool) error {
	label := "drain"
	if terminate {
		label = "terminate"
	}
	*f.trace = append(*f.trace, "down:"+f.name+":"+label)
	return f.downErr
}

// secondService gives the registry a distinct concrete type to index.
type secondService struct{ fakeService }

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(nil)
	var trace []string

	require.NoError(t, reg.Register(&fakeService{name: "a", trace: &trace}))
	err := reg.Register(&secondService{fakeService{name: "a", trace: &trace}})
	assert.Error(t, err, "same name")

	err = reg.Register(&fakeService{name: "b", trace: &trace})
	assert.Error(t, err, "same concrete type")
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(nil)
	var trace []string
	first := &fakeService{name: "a", trace: &trace}
	second := &secondService{fakeService{name: "b", trace: &trace}}
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(second))

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Same(t, first, got)
	_, ok = reg.Get("missing")
	assert.False(t, ok)

	typed, ok := GetTyped[*secondService](reg)
	require.True(t, ok)
	assert.Same(t, second, typed)

	assert.Equal(t, []string{"a", "b"}, reg.Names())
}

func TestRegistryInitOrderAndShutdownReverse(t *testing.T) {
	reg := NewRegistry(nil)
	var trace []string
	require.NoError(t, reg.Register(&fakeService{name: "a", trace: &trace}))
	require.NoError(t, reg.Register(&secondService{fakeService{name: "b", trace: &trace}}))

	require.NoError(t, reg.InitAll(context.Background()))
	require.NoError(t, reg.ShutdownAll(context.Background(), false))

	assert.Equal(t, []string{
		"init:a", "init:b",
		"down:b:drain", "down:a:drain",
	}, trace)
}

func TestRegistryInitFailureAborts(t *testing.T) {
	reg := NewRegistry(nil)
	var trace []string
	require.NoError(t, reg.Register(&fakeService{name: "a", trace: &trace, initErr: errors.New("boom")}))
	require.NoError(t, reg.Register(&secondService{fakeService{name: "b", trace: &trace}}))

	err := reg.InitAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"init:a"}, trace, "second service never initialized")
}

func TestRegistryShutdownPassesTerminate(t *testing.T) {
	reg := NewRegistry(nil)
	var trace []string
	require.NoError(t, reg.Register(&fakeService{name: "a", trace: &trace}))

	require.NoError(t, reg.ShutdownAll(context.Background(), true))
	assert.Equal(t, []string{"down:a:terminate"}, trace)
}
