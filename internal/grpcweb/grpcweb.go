// Package grpcweb implements the gRPC-Web wire framing used by the NSFW
// enablement endpoint: data/trailer frame encode-decode, grpc-web-text
// (base64) transport fallback, and the gRPC status to pseudo-HTTP status
// mapping.
package grpcweb

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var b64Charset = regexp.MustCompile(`^[A-Za-z0-9+/=\r\n]+$`)

// EncodeDataFrame wraps data in a gRPC-Web data frame: a zero flag byte
// followed by a 4-byte big-endian length and the payload.
func EncodeDataFrame(data []byte) []byte {
	out := make([]byte, 0, 5+len(data))
	out = append(out, 0x00)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))
	out = append(out, length...)
	out = append(out, data...)
	return out
}

// ParseResponse decodes a gRPC-Web response body into its data-frame
// messages and merged trailers. contentType and headers are used to detect
// and recover grpc-status/grpc-message carried in real HTTP response
// headers instead of a trailer frame.
func ParseResponse(body []byte, contentType string, headers map[string]string) ([][]byte, map[string]string, error) {
	decoded := maybeDecodeText(body, contentType)

	var messages [][]byte
	trailers := make(map[string]string)

	i, n := 0, len(decoded)
	for i < n {
		if n-i < 5 {
			break
		}
		flag := decoded[i]
		length := int(binary.BigEndian.Uint32(decoded[i+1 : i+5]))
		i += 5

		if n-i < length {
			break
		}
		payload := decoded[i : i+length]
		i += length

		switch {
		case flag&0x80 != 0: // trailer frame
			for k, v := range parseTrailerBlock(payload) {
				trailers[k] = v
			}
		case flag&0x01 != 0:
			return nil, nil, fmt.Errorf("grpcweb: compressed flag not supported")
		default:
			messages = append(messages, payload)
		}
	}

	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}
	if v, ok := lower["grpc-status"]; ok {
		if _, exists := trailers["grpc-status"]; !exists {
			trailers["grpc-status"] = strings.TrimSpace(v)
		}
	}
	if v, ok := lower["grpc-message"]; ok {
		if _, exists := trailers["grpc-message"]; !exists {
			if decoded, err := url.QueryUnescape(strings.TrimSpace(v)); err == nil {
				trailers["grpc-message"] = decoded
			} else {
				trailers["grpc-message"] = strings.TrimSpace(v)
			}
		}
	}

	return messages, trailers, nil
}

func maybeDecodeText(body []byte, contentType string) []byte {
	if strings.Contains(strings.ToLower(contentType), "grpc-web-text") {
		compact := stripWhitespace(body)
		if decoded, err := base64.StdEncoding.DecodeString(string(compact)); err == nil {
			return decoded
		}
		return body
	}

	head := body
	if len(head) > 2048 {
		head = head[:2048]
	}
	if len(head) > 0 && b64Charset.Match(head) {
		compact := stripWhitespace(body)
		if decoded, err := base64.StdEncoding.DecodeString(string(compact)); err == nil {
			return decoded
		}
	}
	return body
}

func stripWhitespace(b []byte) []byte {
	return bytes.Join(bytes.Fields(b), nil)
}

func parseTrailerBlock(payload []byte) map[string]string {
	text := string(payload)
	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })

	trailers := make(map[string]string)
	for _, ln := range lines {
		k, v, ok := strings.Cut(ln, ":")
		if !ok {
			continue
		}
		trailers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	if msg, ok := trailers["grpc-message"]; ok {
		if decoded, err := url.QueryUnescape(msg); err == nil {
			trailers["grpc-message"] = decoded
		}
	}
	return trailers
}

// Status is a gRPC status code/message pair with its pseudo-HTTP mapping.
type Status struct {
	Code    int
	Message string
}

func (s Status) OK() bool { return s.Code == 0 }

// HTTPEquiv maps the gRPC status code onto the pseudo-HTTP status the
// gateway surfaces to clients.
func (s Status) HTTPEquiv() int {
	switch s.Code {
	case 0:
		return 200
	case 16:
		return 401
	case 7:
		return 403
	case 8:
		return 429
	case 4:
		return 504
	case 14:
		return 503
	default:
		return 502
	}
}

// GetStatus extracts the gRPC status from a trailer map.
func GetStatus(trailers map[string]string) Status {
	code := -1
	if raw, ok := trailers["grpc-status"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			code = n
		}
	}
	return Status{Code: code, Message: strings.TrimSpace(trailers["grpc-message"])}
}
