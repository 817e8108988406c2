package eventsocket

// MetricsRecorder is an interface for tracking metrics related to client
// connections and frame processing.
// RecordClientConnected logs a new client connection.
// RecordClientDisconnected logs a client disconnection.
// RecordCommand tracks the type of command being processed.
// RecordFrameSent tracks the type and size of frames written to the wire.
// RecordFrameReceived tracks the type and size of frames decoded from the wire.
// RecordBytesReceived logs the size of raw data received.
// RecordFrameError tracks the type of frame error encountered.
type MetricsRecorder interface {
	RecordClientConnected()
	RecordClientDisconnected()
	RecordCommand(cmdType string)
	RecordFrameSent(frameType string, size int)
	RecordFrameReceived(frameType string, size int)
	RecordBytesReceived(size int)
	RecordFrameError(errorType string)
}
