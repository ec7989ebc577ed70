package bridge

import (
	"bytes"
	"encoding/gob"

	"github.com/golang-io/edgemq/session"
)

// encodePublication/decodePublication serialize a publication for the
// disk-backed spool; gob is sufficient since the spool is read back
// only by this same process.
func encodePublication(pub session.Publication) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pub); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePublication(data []byte) (session.Publication, error) {
	var pub session.Publication
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&pub)
	return pub, err
}
