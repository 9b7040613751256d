package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ilingu/ilix/internal/core"
)

// fileInfoWire is the extended-JSON shape the server's document store leaks
// through /files/info. Nobody outside this package should ever see it.
type fileInfoWire struct {
	ID struct {
		OID string `json:"$oid"`
	} `json:"_id"`
	Filename  string `json:"filename"`
	ChunkSize int64  `json:"chunkSize"`
	Length    int64  `json:"length"`
	UploadDate struct {
		Date struct {
			// The server serializes this as a quoted integer string.
			NumberLong json.Number `json:"$numberLong"`
		} `json:"$date"`
	} `json:"uploadDate"`
}

func (w fileInfoWire) complete() bool {
	return w.ID.OID != "" && w.Filename != "" && w.UploadDate.Date.NumberLong != ""
}

func decodeFilesInfo(data string) ([]core.FileInfo, error) {
	var wires []fileInfoWire
	if err := decode(data, &wires); err != nil {
		return nil, err
	}

	infos := make([]core.FileInfo, 0, len(wires))
	for _, w := range wires {
		if !w.complete() {
			return nil, fmt.Errorf("%w: file info missing required fields", core.ErrCorruptedData)
		}
		uploadMillis, err := w.UploadDate.Date.NumberLong.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable upload date", core.ErrCorruptedData)
		}
		infos = append(infos, core.FileInfo{
			ID:         w.ID.OID,
			Filename:   w.Filename,
			SizeBytes:  w.Length,
			ChunkSize:  w.ChunkSize,
			UploadTime: time.UnixMilli(uploadMillis).UTC(),
		})
	}
	return infos, nil
}
