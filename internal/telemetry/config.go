package telemetry

// Config controls the OTLP trace exporter.
type Config struct {
	// Enabled turns tracing on. When off every span helper degrades
	// to a no-op.
	Enabled bool

	// ServiceName is reported as service.name on exported spans.
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string

	// Insecure disables TLS on the collector connection.
	Insecure bool

	// SampleRate is the fraction of traces to sample, 0.0 to 1.0.
	SampleRate float64
}

// DefaultConfig returns the default tracing configuration: disabled,
// pointed at a local collector, sampling everything.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}

// applyDefaults fills identity fields the caller left empty.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = def.ServiceName
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = def.ServiceVersion
	}
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
}
