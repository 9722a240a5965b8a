package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
)

const maxSafetensorsHeader = 100 << 20

type tensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// readEmbeddingTable reads a 2-D F32 tensor from a safetensors file.
func readEmbeddingTable(path, tensor string) (rows [][]float32, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("weights file %s is truncated", path)
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxSafetensorsHeader || 8+headerLen > uint64(len(data)) {
		return nil, fmt.Errorf("weights file %s has an invalid header length %d", path, headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("parse weights header: %w", err)
	}
	raw, ok := header[tensor]
	if !ok {
		return nil, fmt.Errorf("weights file %s has no tensor %q", path, tensor)
	}
	var info tensorInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse tensor %q: %w", tensor, err)
	}
	if info.DType != "F32" {
		return nil, fmt.Errorf("tensor %q has dtype %s, only F32 is supported", tensor, info.DType)
	}
	if len(info.Shape) != 2 || info.Shape[0] <= 0 || info.Shape[1] <= 0 {
		return nil, fmt.Errorf("tensor %q has shape %v, expected [vocab, dim]", tensor, info.Shape)
	}

	body := data[8+headerLen:]
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	n, d := info.Shape[0], info.Shape[1]
	if start < 0 || end > len(body) || end-start != n*d*4 {
		return nil, fmt.Errorf("tensor %q offsets %v do not match shape %v", tensor, info.DataOffsets, info.Shape)
	}

	buf := body[start:end]
	flat := make([]float32, n*d)
	for i := range flat {
		flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	rows = make([][]float32, n)
	for i := range rows {
		rows[i] = flat[i*d : (i+1)*d : (i+1)*d]
	}
	return rows, nil
}
