package cl

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Opcode identifies a control-list packet.
type Opcode uint8

// Control-list packet opcodes.
const (
	OpHalt                        Opcode = 0
	OpNop                         Opcode = 1
	OpFlush                       Opcode = 4
	OpFlushAllState               Opcode = 5
	OpStartTileBinning            Opcode = 6
	OpIncrementSemaphore          Opcode = 7
	OpWaitOnSemaphore             Opcode = 8
	OpWaitForPreviousFrame        Opcode = 9
	OpEndOfRendering              Opcode = 13
	OpBranch                      Opcode = 16
	OpBranchToSubList             Opcode = 17
	OpReturnFromSubList           Opcode = 18
	OpFlushVCDCache               Opcode = 19
	OpStartAddressOfGenericTile   Opcode = 20
	OpBranchToImplicitTileList    Opcode = 21
	OpSupertileCoordinates        Opcode = 23
	OpClearTileBuffers            Opcode = 25
	OpEndOfLoads                  Opcode = 26
	OpEndOfTileMarker             Opcode = 27
	OpStoreTileBufferGeneral      Opcode = 29
	OpLoadTileBufferGeneral       Opcode = 30
	OpTileCoordinatesImplicit     Opcode = 32
	OpVertexArrayPrims            Opcode = 36
	OpOcclusionQueryCounter       Opcode = 92
	OpCfgBits                     Opcode = 96
	OpZeroAllFlatshadeFlags       Opcode = 101
	OpTileRenderingModeCfgColor   Opcode = 118
	OpNumberOfLayers              Opcode = 119
	OpTileBinningModeCfg          Opcode = 120
	OpTileRenderingModeCfgCommon  Opcode = 121
	OpMulticoreRenderingSupertile Opcode = 122
	OpMulticoreRenderingTileList  Opcode = 123
	OpTileCoordinates             Opcode = 124
	OpTileListInitialBlockSize    Opcode = 126
	OpTileRenderingModeCfgZSClear Opcode = 127
)

// Tile buffer selectors of the LOAD/STORE_TILE_BUFFER_GENERAL packets.
const (
	BufferRenderTarget0 = 0
	BufferZ             = 8
	BufferStencil       = 9
	BufferZStencil      = 10
	BufferNone          = 0xff
)

// Flags of the LOAD/STORE_TILE_BUFFER_GENERAL packets.
const (
	TileBufferClearAfterStore = 1 << 0
	TileBufferResolveMSAA     = 1 << 1
	TileBufferMSAA            = 1 << 2
)

// Flags of the CLEAR_TILE_BUFFERS packet.
const (
	ClearZStencilBuffer   = 1 << 0
	ClearAllRenderTargets = 1 << 1
)

// Flags of the last TILE_RENDERING_MODE_CFG_COMMON field.
const (
	RenderEarlyZDisable     = 1 << 0
	RenderEarlyZDirectionGE = 1 << 1
	RenderEarlyDepthClear   = 1 << 2
)

type packetInfo struct {
	name string
	// fields lists the byte width of every body field, in order.
	fields []uint8
}

var packets = map[Opcode]packetInfo{
	OpHalt:                        {"HALT", nil},
	OpNop:                         {"NOP", nil},
	OpFlush:                       {"FLUSH", nil},
	OpFlushAllState:               {"FLUSH_ALL_STATE", nil},
	OpStartTileBinning:            {"START_TILE_BINNING", nil},
	OpIncrementSemaphore:          {"INCREMENT_SEMAPHORE", nil},
	OpWaitOnSemaphore:             {"WAIT_ON_SEMAPHORE", nil},
	OpWaitForPreviousFrame:        {"WAIT_FOR_PREVIOUS_FRAME", nil},
	OpEndOfRendering:              {"END_OF_RENDERING", nil},
	OpBranch:                      {"BRANCH", []uint8{4}},
	OpBranchToSubList:             {"BRANCH_TO_SUB_LIST", []uint8{4}},
	OpReturnFromSubList:           {"RETURN_FROM_SUB_LIST", nil},
	OpFlushVCDCache:               {"FLUSH_VCD_CACHE", nil},
	OpStartAddressOfGenericTile:   {"START_ADDRESS_OF_GENERIC_TILE_LIST", []uint8{4, 4}},
	OpBranchToImplicitTileList:    {"BRANCH_TO_IMPLICIT_TILE_LIST", []uint8{1}},
	OpSupertileCoordinates:        {"SUPERTILE_COORDINATES", []uint8{1, 1}},
	OpClearTileBuffers:            {"CLEAR_TILE_BUFFERS", []uint8{1}},
	OpEndOfLoads:                  {"END_OF_LOADS", nil},
	OpEndOfTileMarker:             {"END_OF_TILE_MARKER", nil},
	OpStoreTileBufferGeneral:      {"STORE_TILE_BUFFER_GENERAL", []uint8{1, 1, 4, 4, 2}},
	OpLoadTileBufferGeneral:       {"LOAD_TILE_BUFFER_GENERAL", []uint8{1, 1, 4, 4, 2}},
	OpTileCoordinatesImplicit:     {"TILE_COORDINATES_IMPLICIT", nil},
	OpVertexArrayPrims:            {"VERTEX_ARRAY_PRIMS", []uint8{1, 4, 4}},
	OpOcclusionQueryCounter:       {"OCCLUSION_QUERY_COUNTER", []uint8{4}},
	OpCfgBits:                     {"CFG_BITS", []uint8{1, 1, 1}},
	OpZeroAllFlatshadeFlags:       {"ZERO_ALL_FLATSHADE_FLAGS", nil},
	OpTileRenderingModeCfgColor:   {"TILE_RENDERING_MODE_CFG_CLEAR_COLORS", []uint8{1, 4, 4}},
	OpNumberOfLayers:              {"NUMBER_OF_LAYERS", []uint8{1}},
	OpTileBinningModeCfg:          {"TILE_BINNING_MODE_CFG", []uint8{2, 2, 1, 1, 2}},
	OpTileRenderingModeCfgCommon:  {"TILE_RENDERING_MODE_CFG_COMMON", []uint8{2, 2, 1, 1, 1, 1}},
	OpMulticoreRenderingSupertile: {"MULTICORE_RENDERING_SUPERTILE_CFG", []uint8{1, 1, 2, 2, 1}},
	OpMulticoreRenderingTileList:  {"MULTICORE_RENDERING_TILE_LIST_SET_BASE", []uint8{4}},
	OpTileCoordinates:             {"TILE_COORDINATES", []uint8{2, 2}},
	OpTileListInitialBlockSize:    {"TILE_LIST_INITIAL_BLOCK_SIZE", []uint8{1}},
	OpTileRenderingModeCfgZSClear: {"TILE_RENDERING_MODE_CFG_ZS_CLEAR_VALUES", []uint8{4, 1}},
}

// Packet lengths used by the growth logic.
var (
	BranchLength = Length(OpBranch)
	ReturnLength = Length(OpReturnFromSubList)
)

// String returns the packet name.
func (op Opcode) String() string {
	if p, ok := packets[op]; ok {
		return p.name
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// Length returns the encoded size of a packet in bytes, opcode included.
func Length(op Opcode) uint32 {
	p, ok := packets[op]
	if !ok {
		panic(errors.AssertionFailedf("cl: unknown opcode %d", op))
	}
	n := uint32(1)
	for _, w := range p.fields {
		n += uint32(w)
	}
	return n
}

// Packet is one decoded control-list record.
type Packet struct {
	Op     Opcode
	Offset uint32
	Fields []uint32
}

// encode writes op and its fields into dst, which must be exactly
// Length(op) bytes.
func encode(dst []byte, op Opcode, fields []uint32) {
	p := packets[op]
	if len(fields) != len(p.fields) {
		panic(errors.AssertionFailedf("cl: %s takes %d fields, got %d", op, len(p.fields), len(fields)))
	}
	dst[0] = byte(op)
	pos := 1
	for i, w := range p.fields {
		v := fields[i]
		switch w {
		case 1:
			dst[pos] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(dst[pos:], uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(dst[pos:], v)
		}
		pos += int(w)
	}
}

// Decode parses a packet stream. Decoding stops after HALT, BRANCH or
// RETURN_FROM_SUB_LIST, or at the end of data.
func Decode(data []byte) ([]Packet, error) {
	var out []Packet
	pos := 0
	for pos < len(data) {
		op := Opcode(data[pos])
		p, ok := packets[op]
		if !ok {
			return out, errors.Newf("cl: unknown opcode %d at offset %d", op, pos)
		}
		n := int(Length(op))
		if pos+n > len(data) {
			return out, errors.Newf("cl: truncated %s at offset %d", op, pos)
		}
		pkt := Packet{Op: op, Offset: uint32(pos)}
		fpos := pos + 1
		for _, w := range p.fields {
			switch w {
			case 1:
				pkt.Fields = append(pkt.Fields, uint32(data[fpos]))
			case 2:
				pkt.Fields = append(pkt.Fields, uint32(binary.LittleEndian.Uint16(data[fpos:])))
			case 4:
				pkt.Fields = append(pkt.Fields, binary.LittleEndian.Uint32(data[fpos:]))
			}
			fpos += int(w)
		}
		out = append(out, pkt)
		pos += n
		switch op {
		case OpHalt, OpBranch, OpReturnFromSubList:
			return out, nil
		}
	}
	return out, nil
}
