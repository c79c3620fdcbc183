package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/YouSenRong/mindspore/internal/protocol"
)

// DataType is the element type of a capture.
type DataType string

const (
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Bool    DataType = "bool"
	Uint8   DataType = "uint8"
)

// ElemSize returns the byte size of one element, or 0 for unknown types.
func (d DataType) ElemSize() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Bool, Uint8:
		return 1
	default:
		return 0
	}
}

// Capture references one intermediate tensor produced by the executing graph,
// identified by (node name, output slot, iteration). Data is an owned,
// bounds-checked buffer; the debugger never hands out raw pointers.
type Capture struct {
	NodeName string
	Slot     string
	Iter     string
	DataType DataType
	Dims     []int64
	Data     []byte
}

// ID returns the capture's wire identity.
func (c *Capture) ID() protocol.TensorID {
	return protocol.TensorID{NodeName: c.NodeName, Slot: c.Slot, Iter: c.Iter}
}

// FullName returns the capture's logical identity, optionally scope-truncated.
func (c *Capture) FullName(truncate bool) string {
	id := c.ID()
	id.Truncate = truncate
	return id.FullName()
}

// Float64s decodes the element data as float64 values. Only floating-point
// captures can be decoded; watch conditions skip everything else.
func (c *Capture) Float64s() ([]float64, error) {
	switch c.DataType {
	case Float32:
		if len(c.Data)%4 != 0 {
			return nil, fmt.Errorf("float32 capture %s has %d bytes", c.FullName(false), len(c.Data))
		}
		vals := make([]float64, len(c.Data)/4)
		for i := range vals {
			bits := binary.LittleEndian.Uint32(c.Data[i*4:])
			vals[i] = float64(math.Float32frombits(bits))
		}
		return vals, nil
	case Float64:
		if len(c.Data)%8 != 0 {
			return nil, fmt.Errorf("float64 capture %s has %d bytes", c.FullName(false), len(c.Data))
		}
		vals := make([]float64, len(c.Data)/8)
		for i := range vals {
			bits := binary.LittleEndian.Uint64(c.Data[i*8:])
			vals[i] = math.Float64frombits(bits)
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("capture %s has non-float type %s", c.FullName(false), c.DataType)
	}
}
