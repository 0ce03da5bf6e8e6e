// Package spec contains constants defined in the ndt7 specification.
package spec

import "time"

// DownloadURLPath selects the download subtest.
const DownloadURLPath = "/ndt/v7/download"

// UploadURLPath selects the upload subtest.
const UploadURLPath = "/ndt/v7/upload"

// SecWebSocketProtocol is the WebSocket subprotocol used by ndt7.
const SecWebSocketProtocol = "net.measurementlab.ndt.v7"

// DefaultPort is the port used by ndt7 unless otherwise specified.
const DefaultPort = "443"

// MinMaxMessageSize is the minimum value of the maximum message size
// that an implementation MAY want to configure. Messages smaller than
// this threshold MUST always be accepted by an implementation.
const MinMaxMessageSize = 1 << 17

// BulkMessageSize is the size of the binary messages we send to
// generate network load.
const BulkMessageSize = 1 << 13

// MinMeasurementInterval is the minimum interval between measurements.
const MinMeasurementInterval = 250 * time.Millisecond

// DefaultUploadDuration is how long the upload subtest runs.
const DefaultUploadDuration = 10 * time.Second
