package qmp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// writeWithFd sends payload over the monitor socket with fd attached as
// SCM_RIGHTS ancillary data. fd is closed exactly once, immediately
// after the write attempt, regardless of whether it succeeded.
func (c *Client) writeWithFd(payload []byte, fd int) error {
	defer unix.Close(fd)

	raw, err := c.conn.SyscallConn()
	if err != nil {
		c.fail(err)
		return fmt.Errorf("get raw conn: %w", err)
	}

	rights := unix.UnixRights(fd)

	var sendErr error
	ctrlErr := raw.Write(func(fdSock uintptr) bool {
		sendErr = unix.Sendmsg(int(fdSock), payload, rights, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		c.fail(ctrlErr)
		return fmt.Errorf("raw write: %w", ctrlErr)
	}
	if sendErr != nil {
		c.fail(sendErr)
		return fmt.Errorf("sendmsg with fd: %w", sendErr)
	}
	return nil
}
