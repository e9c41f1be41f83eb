package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawn_WritesPIDFileAndTracksRunning(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "qemu.pid")

	s := New(nil)
	pid, logReader, err := s.Spawn(context.Background(), []string{"/bin/sleep", "5"}, os.Environ(), pidPath)
	require.NoError(t, err)
	defer logReader.Close()

	data, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	require.Equal(t, data, []byte(itoa(pid)))

	require.True(t, s.IsRunning())

	require.NoError(t, s.Stop(2*time.Second, 2*time.Second))
	require.False(t, s.IsRunning())

	_, err = os.Stat(pidPath)
	require.True(t, os.IsNotExist(err))
}

func TestSpawn_DoneChannelFiresOnExit(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "qemu.pid")

	s := New(nil)
	_, logReader, err := s.Spawn(context.Background(), []string{"/bin/sh", "-c", "exit 0"}, os.Environ(), pidPath)
	require.NoError(t, err)
	defer logReader.Close()
	io.Copy(io.Discard, logReader)

	select {
	case status := <-s.Done():
		require.Equal(t, 0, status.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("done channel never fired")
	}
}

func TestSpawn_RejectsSecondChild(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "qemu.pid")

	s := New(nil)
	_, logReader, err := s.Spawn(context.Background(), []string{"/bin/sleep", "5"}, os.Environ(), pidPath)
	require.NoError(t, err)
	defer logReader.Close()
	defer s.Stop(time.Second, time.Second)

	_, _, err = s.Spawn(context.Background(), []string{"/bin/sleep", "5"}, os.Environ(), pidPath+".2")
	require.Error(t, err)
}

func TestReadPIDFile_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qemu.pid")
	require.NoError(t, writePIDFileAtomic(path, 4242))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
