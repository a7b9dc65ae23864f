package status

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// negotiate picks the body encoding for an Accept header.
func negotiate(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mediaType, ContentTypeMsgpack) {
			return ContentTypeMsgpack
		}
	}
	return ContentTypeJSON
}

func encode(contentType string, v interface{}) ([]byte, error) {
	switch contentType {
	case ContentTypeMsgpack:
		return msgpack.Marshal(v)
	default:
		return json.Marshal(v)
	}
}

func decode(contentType string, data []byte, v interface{}) error {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case ContentTypeMsgpack:
		return msgpack.Unmarshal(data, v)
	case ContentTypeJSON, "":
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("%w: unexpected content type %q", ErrProtocol, contentType)
	}
}
