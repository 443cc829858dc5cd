//go:build linux

package fdpool

import (
	"bytes"
	"errors"
	"time"

	"github.com/rocinan/fdpool/poller"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	HandlerEcho      = "echo"
	HandlerTimestamp = "timestamp"
)

var errLineTooLong = errors.New("line exceeds limit")

func init() {
	RegisterHandler(HandlerEcho, NewEchoHandler)
	RegisterHandler(HandlerTimestamp, NewTimestampHandler)
}

// LineHandler answers every complete newline terminated message once,
// however many reads it took to arrive.
type LineHandler struct {
	fd    int
	flow  *Flow
	log   *logrus.Entry
	reply func(line []byte) []byte
}

func NewEchoHandler() Handler {
	return &LineHandler{reply: func(line []byte) []byte { return line }}
}

func NewTimestampHandler() Handler {
	return &LineHandler{reply: TimestampReply}
}

// TimestampReply prefixes line with the local time.
func TimestampReply(line []byte) []byte {
	prefix := time.Now().Format("[2006-01-02 15:04:05]") + "server reply: "
	out := make([]byte, 0, len(prefix)+len(line))
	out = append(out, prefix...)
	return append(out, line...)
}

func (h *LineHandler) Init(loop Loop, fd int, peer unix.Sockaddr) error {
	h.fd = fd
	h.flow = NewFlow(fd, loop)
	h.log = log.WithFields(logrus.Fields{"component": "handler", "category": PeerString(peer)})
	h.log.Debug("new client connected, fd = ", fd)
	return nil
}

func (h *LineHandler) Process(ev poller.Event) Status {
	if ev&poller.PollErr != 0 {
		h.log.Warn("socket error, fd = ", h.fd)
		return StatusFatal
	}
	var peerClosed bool
	if ev&(poller.PollIn|poller.PollRdHup|poller.PollHup) != 0 {
		var err error
		if peerClosed, err = h.flow.ReadAll(); err != nil {
			h.log.Warn("recv error, client disconnected, fd = ", h.fd, ": ", err)
			return StatusFatal
		}
		if err = h.answer(); err != nil {
			h.log.Warn(err, ", fd = ", h.fd)
			return StatusFatal
		}
		// no newline is coming after a FIN
		if peerClosed && len(h.flow.DataRead) > 0 {
			h.flow.Write(h.reply(h.flow.DataRead))
			h.flow.DataRead = h.flow.DataRead[:0]
		}
	}
	if h.flow.Pending() > 0 || ev&poller.PollOut != 0 {
		if err := h.flow.Flush(); err != nil && !peerClosed {
			h.log.Warn("send error, fd = ", h.fd, ": ", err)
			return StatusFatal
		}
	}
	if peerClosed {
		h.log.Debug("peer closed, client disconnected, fd = ", h.fd)
		return StatusClosed
	}
	return StatusMore
}

func (h *LineHandler) answer() error {
	for {
		i := bytes.IndexByte(h.flow.DataRead, '\n')
		if i < 0 {
			break
		}
		h.flow.Write(h.reply(h.flow.DataRead[:i+1]))
		h.flow.DataRead = h.flow.DataRead[i+1:]
	}
	if len(h.flow.DataRead) > kMaxLineBytes {
		return errLineTooLong
	}
	return nil
}
