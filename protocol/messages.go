package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Message is a typed envelope body.
type Message interface {
	Type() MessageType
}

// Announce carries the sender's username.
type Announce struct {
	Username string
}

// Manifest carries the sender's full set of relative file paths.
type Manifest struct {
	Paths []string
}

// TransferAnnounce names the file carried by the stream that follows it.
type TransferAnnounce struct {
	Path string
}

func (Announce) Type() MessageType         { return TypeAnnounce }
func (Manifest) Type() MessageType         { return TypeManifest }
func (TransferAnnounce) Type() MessageType { return TypeTransferAnnounce }

// Marshal encodes m into envelope wire form.
func Marshal(m Message) ([]byte, error) {
	var payload []byte
	switch msg := m.(type) {
	case Announce:
		if !utf8.ValidString(msg.Username) {
			return nil, fmt.Errorf("%w: username is not valid UTF-8", ErrMalformedPayload)
		}
		raw, err := json.Marshal(msg.Username)
		if err != nil {
			return nil, fmt.Errorf("marshal announce: %w", err)
		}
		payload = raw
	case Manifest:
		// encoding/json would swap invalid bytes for U+FFFD and the peer
		// would diff against a name that does not exist here.
		for _, p := range msg.Paths {
			if !utf8.ValidString(p) {
				return nil, fmt.Errorf("%w: manifest path %q is not valid UTF-8", ErrMalformedPayload, p)
			}
		}
		paths := append([]string{}, msg.Paths...)
		sort.Strings(paths)
		raw, err := json.Marshal(paths)
		if err != nil {
			return nil, fmt.Errorf("marshal manifest: %w", err)
		}
		payload = raw
	case TransferAnnounce:
		if err := validatePath(msg.Path); err != nil {
			return nil, err
		}
		payload = []byte(msg.Path)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return Envelope{Type: m.Type(), Payload: payload}.Encode(), nil
}

// Unmarshal decodes envelope wire form into a typed message.
func Unmarshal(raw []byte) (Message, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return env.Message()
}

// Message decodes the envelope payload according to its tag.
func (e Envelope) Message() (Message, error) {
	switch e.Type {
	case TypeAnnounce:
		var username string
		if err := json.Unmarshal(e.Payload, &username); err != nil {
			return nil, fmt.Errorf("%w: announce: %v", ErrMalformedPayload, err)
		}
		return Announce{Username: username}, nil
	case TypeManifest:
		var paths []string
		if err := json.Unmarshal(e.Payload, &paths); err != nil {
			return nil, fmt.Errorf("%w: manifest: %v", ErrMalformedPayload, err)
		}
		if paths == nil {
			paths = []string{}
		}
		return Manifest{Paths: dedupe(paths)}, nil
	case TypeTransferAnnounce:
		path := string(e.Payload)
		if err := validatePath(path); err != nil {
			return nil, err
		}
		return TransferAnnounce{Path: path}, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownType, byte(e.Type))
	}
}

func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty transfer path", ErrMalformedPayload)
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("%w: transfer path is not valid UTF-8", ErrMalformedPayload)
	}
	return nil
}

// dedupe returns sorted distinct paths; a manifest is a set.
func dedupe(paths []string) []string {
	sort.Strings(paths)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}
