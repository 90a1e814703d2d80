package serializer

import "github.com/colock/colock/rpc/common"

// IRPCSerializer is the interface for all Message serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message
	// It takes a byte array and a pointer to a Message as parameters
	// It returns an error if any
	Deserialize(b []byte, msg *common.Message) error
	// ContentType returns the MIME type announced on the wire, used for
	// content negotiation between client and server
	ContentType() string
}

// ForContentType returns the serializer matching a MIME type. An empty or
// unrecognized type falls back to JSON.
func ForContentType(contentType string) IRPCSerializer {
	switch contentType {
	case ContentTypeGOB:
		return NewGOBSerializer()
	default:
		return NewJSONSerializer()
	}
}
