package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// MockClient implements DaemonClient
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) Reload() error {
	args := m.Called()
	return args.Error(0)
}

func TestRunReload_Success(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload").Return(nil)

	var buf bytes.Buffer
	err := runReload(mockClient, &buf)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "reload requested")
	mockClient.AssertExpectations(t)
}

func TestRunReload_Failure(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload").Return(errors.New("daemon is not running"))

	var buf bytes.Buffer
	err := runReload(mockClient, &buf)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.Empty(t, buf.String())
	mockClient.AssertExpectations(t)
}

func TestRunStop(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Stop").Return(nil)

	var buf bytes.Buffer
	require.NoError(t, runStop(mockClient, &buf))
	assert.Contains(t, buf.String(), "Stop signal sent")
	mockClient.AssertExpectations(t)
}

func TestPIDClient_Signals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arnet.pid")
	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0644))

	var gotPID int
	var gotSig unix.Signal
	c := newPIDClient(path)
	c.kill = func(pid int, sig unix.Signal) error {
		gotPID, gotSig = pid, sig
		return nil
	}

	require.NoError(t, c.Reload())
	assert.Equal(t, 4242, gotPID)
	assert.Equal(t, unix.SIGHUP, gotSig)

	require.NoError(t, c.Stop())
	assert.Equal(t, unix.SIGTERM, gotSig)
}

func TestPIDClient_Errors(t *testing.T) {
	dir := t.TempDir()

	assert.Error(t, newPIDClient("").Stop())
	assert.Error(t, newPIDClient(filepath.Join(dir, "missing.pid")).Stop())

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0644))
	assert.Error(t, newPIDClient(bad).Reload())

	path := filepath.Join(dir, "arnet.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0644))
	c := newPIDClient(path)
	c.kill = func(int, unix.Signal) error { return unix.ESRCH }
	err := c.Stop()
	assert.ErrorIs(t, err, unix.ESRCH)
}
