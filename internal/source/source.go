// Package source defines the logical origin tagged onto every log line that
// flows through the monitoring engine, and the configuration shape for
// network-stream sources. Every ingestion component (LogMonitor,
// StreamMonitor) attaches a Source to each line it produces; the rule engine
// uses it for scoping (see internal/rule).
package source

import "fmt"

// Kind identifies which of the three source variants a Source holds.
type Kind int

const (
	// KindFile marks a line read from a tailed file.
	KindFile Kind = iota
	// KindContainer marks a line read from a container's stdout/stderr.
	KindContainer
	// KindStream marks a line read from a network stream (websocket/http/tcp).
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindContainer:
		return "container"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Source is a tagged union identifying where a line came from: a file path,
// a container name, or a named stream. Exactly one of the three forms is
// meaningful, selected by Kind; use File, Container, or Stream to construct
// one rather than setting fields directly.
type Source struct {
	Kind Kind
	// Name holds the path (KindFile), container name (KindContainer), or
	// stream name (KindStream).
	Name string
}

// File constructs a Source identifying a tailed file by path.
func File(path string) Source { return Source{Kind: KindFile, Name: path} }

// Container constructs a Source identifying a container by name.
func Container(name string) Source { return Source{Kind: KindContainer, Name: name} }

// Stream constructs a Source identifying a network stream by its resolved
// name.
func Stream(name string) Source { return Source{Kind: KindStream, Name: name} }

// String renders the source as "<kind>:<name>", used for log messages.
func (s Source) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Name)
}

// StreamType enumerates the transport a stream source ingests over.
type StreamType string

const (
	StreamWebsocket StreamType = "websocket"
	StreamHTTP      StreamType = "http"
	StreamTCP       StreamType = "tcp"
)

// DefaultReconnectDelay is used when a Descriptor does not specify one.
const DefaultReconnectDelay = 5

// Descriptor configures a single stream source (spec.md §3 SourceDescriptor).
type Descriptor struct {
	// Name identifies the stream for scoping and logging. Defaults to
	// "<type>:<url>" when empty; see ResolvedName.
	Name string
	// Type selects the transport: websocket, http, or tcp.
	Type StreamType
	// URL is the endpoint to connect to. For Type==StreamTCP it may be
	// "tcp://host:port" or bare "host:port".
	URL string
	// Headers are sent with the initial HTTP/websocket handshake. Ignored
	// for Type==StreamTCP.
	Headers map[string]string
	// ReconnectDelaySeconds is the fixed delay between reconnect attempts.
	// Defaults to DefaultReconnectDelay (5s) when zero.
	ReconnectDelaySeconds int
}

// ResolvedName returns d.Name if set, otherwise "<type>:<url>".
func (d Descriptor) ResolvedName() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("%s:%s", d.Type, d.URL)
}
