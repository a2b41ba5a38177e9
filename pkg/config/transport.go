package config

// TransportConfig selects the byte-stream transport.
type TransportConfig struct {
	// Kind: tcp
	Kind string `mapstructure:"kind" yaml:"kind"`
}

// PipelineConfig tunes every framed connection.
type PipelineConfig struct {
	// QueueSize bounds the outbound queue; sends beyond it are dropped.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// MaxFrameBytes bounds a single inbound payload.
	MaxFrameBytes int `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
}
