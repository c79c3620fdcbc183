package tensor

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/YouSenRong/mindspore/internal/protocol"
)

// DefaultChunkSize bounds one tensor chunk payload at 3 MiB.
const DefaultChunkSize = 3 * 1024 * 1024

// CompressMinSize is the smallest payload worth compressing.
const CompressMinSize = 4 * 1024

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Serialize splits a capture's payload into chunks of at most chunkSize
// bytes. Identity fields are echoed from the request id, so the controller
// can correlate replies to scope-truncated requests. Only the last chunk has
// Finished set; a zero-size capture yields exactly one finished chunk with
// metadata and no payload.
func Serialize(capture *Capture, id protocol.TensorID, chunkSize int) []protocol.TensorChunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if len(capture.Data) == 0 {
		chunk := newChunk(capture, id)
		chunk.Finished = true
		return []protocol.TensorChunk{chunk}
	}

	var chunks []protocol.TensorChunk
	for offset := 0; offset < len(capture.Data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(capture.Data) {
			end = len(capture.Data)
		}
		chunk := newChunk(capture, id)
		chunk.Finished = end == len(capture.Data)
		chunk.Content, chunk.Compressed = compress(capture.Data[offset:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Placeholder builds the "finished, empty" reply for a tensor that is not in
// the cache, so the controller can tell "not yet available" from a transport
// failure.
func Placeholder(id protocol.TensorID) protocol.TensorChunk {
	return protocol.TensorChunk{TensorID: id, Finished: true}
}

// Reassemble concatenates chunk payloads in order, undoing per-chunk
// compression. The result is the exact capture payload.
func Reassemble(chunks []protocol.TensorChunk) ([]byte, error) {
	var data []byte
	for i, chunk := range chunks {
		payload := chunk.Content
		if chunk.Compressed {
			decoded, err := zstdDecoder.DecodeAll(payload, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress chunk %d: %w", i, err)
			}
			payload = decoded
		}
		data = append(data, payload...)
	}
	return data, nil
}

func newChunk(capture *Capture, id protocol.TensorID) protocol.TensorChunk {
	return protocol.TensorChunk{
		TensorID: id,
		DataType: string(capture.DataType),
		Dims:     capture.Dims,
	}
}

// compress returns a zstd-compressed payload when it is large enough and the
// compression actually shrinks it; otherwise a copy of the original.
func compress(payload []byte) ([]byte, bool) {
	if len(payload) >= CompressMinSize {
		encoded := zstdEncoder.EncodeAll(payload, nil)
		if len(encoded) < len(payload) {
			return encoded, true
		}
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, false
}
