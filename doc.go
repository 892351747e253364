// Package arraystore stores n-dimensional numeric arrays in a RESP
// key-value server.
//
// Arrays travel as opaque byte payloads under ordinary keys. The client
// encodes an array into a payload, sends it with a store command and reads
// it back with a fetch command. The server never looks inside a payload.
//
// # Architecture Overview
//
//   - Array model: element type, shape, memory order and raw buffer
//   - Codecs: the self-describing NPY format and a compact binary header
//   - Protocol: RESP request and reply framing, binary safe
//   - Client: one lazily dialed connection per server, serialized calls
//   - Cluster: consistent hashing over several servers
//   - Server: reference RESP server over memory or SQLite storage
//
// # Quick Start
//
// Server:
//
//	./arraystore-server -port 6379 -storage /var/lib/arraystore/arrays.db
//
// Client:
//
//	import "github.com/cachemir/arraystore/pkg/client"
//
//	c, err := client.New("localhost:6379")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	a, _ := array.FromSlice([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
//	ok, err := c.Put(ctx, "weights", a)
//	back, err := c.Get(ctx, "weights") // nil when absent
//
// # Payload Formats
//
// NPY (default): the magic "\x93NUMPY", a version, a length-prefixed
// dictionary header padded to 64 bytes, then the raw buffer. It carries
// any element type, byte order, memory order and record layout.
//
// Compact: one byte of axis count, one little-endian uint64 per axis, a
// type code byte, a reserved zero byte, then the row-major native buffer.
// It carries plain numeric types only.
//
// # Configuration
//
// Server configuration is layered: defaults, then a YAML or TOML file,
// then ARRAYSTORE_* environment variables, then flags:
//
//	./arraystore-server -config server.yaml -log-level debug
//	# or
//	ARRAYSTORE_PORT=7000 ARRAYSTORE_STORAGE_PATH=arrays.db ./arraystore-server
//
// Client configuration:
//
//	cfg := config.DefaultClientConfig()
//	cfg.Nodes = []string{"node1:6379", "node2:6379"}
//	cfg.Codec = "compact"
//	cl, err := client.NewCluster(cfg)
//
// # Package Structure
//
//   - pkg/array: array and element type model
//   - pkg/codec: NPY and compact payload codecs
//   - pkg/protocol: RESP framing
//   - pkg/client: Client and Cluster
//   - pkg/hash: consistent hash ring
//   - pkg/config: configuration management
//   - pkg/store: payload storage engines
//   - internal/server: server implementation
//   - internal/logging: zap logger construction
//   - cmd/server: server executable
//   - cmd/client-example: example client usage
package arraystore
