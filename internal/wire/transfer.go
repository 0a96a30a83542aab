package wire

import (
	"errors"
	"fmt"
	"io"
)

// ErrTransferAborted is returned by a FileReceiver when the sender aborted
// the stream. No file was produced.
var ErrTransferAborted = errors.New("file transfer aborted by sender")

// NewFileChunk builds one binary chunk of the transfer identified by id.
func NewFileChunk(id uint32, data []byte, last bool) *Message {
	return &Message{Code: CodeFileData, ID: id, Binary: true, EndOfFile: last, Payload: data}
}

// NewAbortTransfer builds the control message that replaces the final chunk
// when the sender cannot complete the stream.
func NewAbortTransfer(id uint32) *Message {
	return &Message{Code: CodeAbortFileTransfer, ID: id, Control: true}
}

// StreamFile reads r to the end and sends it as chunks of at most chunkSize
// bytes, the last one flagged end-of-file. An empty source produces a single
// empty end-of-file chunk. If reading fails part way, an abort message is sent
// instead of the final chunk and the read error is returned.
func StreamFile(send func(*Message) error, id uint32, r io.Reader, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	cur := make([]byte, chunkSize)
	next := make([]byte, chunkSize)

	n, err := io.ReadFull(r, cur)
	for {
		switch {
		case errors.Is(err, io.EOF):
			return send(NewFileChunk(id, nil, true))
		case errors.Is(err, io.ErrUnexpectedEOF):
			return send(NewFileChunk(id, cur[:n], true))
		case err != nil:
			return abort(send, id, err)
		}

		// Full chunk: peek ahead to learn whether it is the last one.
		n2, err2 := io.ReadFull(r, next)
		if errors.Is(err2, io.EOF) {
			return send(NewFileChunk(id, cur[:n], true))
		}
		if err2 != nil && !errors.Is(err2, io.ErrUnexpectedEOF) {
			return abort(send, id, err2)
		}
		if err := send(NewFileChunk(id, cur[:n], false)); err != nil {
			return err
		}
		cur, next = next, cur
		n, err = n2, err2
	}
}

func abort(send func(*Message) error, id uint32, cause error) error {
	if err := send(NewAbortTransfer(id)); err != nil {
		return fmt.Errorf("abort transfer after %v: %w", cause, err)
	}
	return fmt.Errorf("read file: %w", cause)
}

// FileReceiver reassembles a chunked transfer into w.
type FileReceiver struct {
	w    io.Writer
	id   uint32
	size int64
}

// NewFileReceiver creates a receiver for the transfer with the given id.
func NewFileReceiver(w io.Writer, id uint32) *FileReceiver {
	return &FileReceiver{w: w, id: id}
}

// Accept consumes one message. It returns done=true after the end-of-file
// chunk and ErrTransferAborted when the sender aborted. Messages belonging to
// other ids are ignored.
func (fr *FileReceiver) Accept(m *Message) (done bool, err error) {
	if m.ID != fr.id {
		return false, nil
	}
	switch {
	case m.Code == CodeAbortFileTransfer:
		return true, ErrTransferAborted
	case m.Code == CodeFileData && m.Binary:
		if len(m.Payload) > 0 {
			n, err := fr.w.Write(m.Payload)
			fr.size += int64(n)
			if err != nil {
				return true, fmt.Errorf("write chunk: %w", err)
			}
		}
		return m.EndOfFile, nil
	}
	return false, nil
}

// Size returns the number of bytes written so far.
func (fr *FileReceiver) Size() int64 {
	return fr.size
}
