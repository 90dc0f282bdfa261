package transport

import (
	"encoding/binary"
	"encoding/json"

	"github.com/awrlabs/relay/relay/apierror"
)

// Frame is the decoded plaintext layout of an envelope: a JSON metadata
// object followed by optional binary data.
type Frame struct {
	Metadata map[string]interface{}
	Binary   []byte
}

// ParseFrame splits metadataLen(4 BE) || metadataJson || binaryData. The
// metadata must decode to a JSON object; the binary tail may be empty.
func ParseFrame(plain []byte) (*Frame, error) {
	if len(plain) < 4 {
		return nil, apierror.DecryptionFailed("frame shorter than its length prefix")
	}
	metaLen := binary.BigEndian.Uint32(plain[:4])
	if uint64(metaLen) > uint64(len(plain)-4) {
		return nil, apierror.DecryptionFailed("frame metadata length %d exceeds payload", metaLen)
	}
	metaBytes := plain[4 : 4+metaLen]

	metadata := make(map[string]interface{})
	if err := json.Unmarshal(metaBytes, &metadata); err != nil {
		return nil, apierror.DecryptionFailed("frame metadata is not a JSON object: %v", err)
	}
	return &Frame{
		Metadata: metadata,
		Binary:   plain[4+metaLen:],
	}, nil
}
