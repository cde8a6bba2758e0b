package rhi

import "log/slog"

// DeviceOption configures a Device during creation.
//
// Example:
//
//	cfg, _ := rhi.LoadConfig("rhi.toml")
//	dev, err := rhi.NewDeviceFromHAL(device, queue,
//	    rhi.WithConfig(cfg),
//	    rhi.WithMessageSink(rhi.MessageSinkFunc(func(sev rhi.MessageSeverity, msg string) {
//	        if sev == rhi.SeverityFatal {
//	            log.Fatal(msg)
//	        }
//	    })),
//	)
type DeviceOption func(*deviceOptions)

// deviceOptions holds optional configuration for Device creation.
type deviceOptions struct {
	config Config
	sink   MessageSink
	logger *slog.Logger
	label  string
}

// defaultOptions returns the default device options.
func defaultOptions() deviceOptions {
	return deviceOptions{
		config: DefaultConfig(),
		sink:   LogMessageSink{},
	}
}

// WithConfig sets the device configuration.
func WithConfig(cfg Config) DeviceOption {
	return func(o *deviceOptions) {
		o.config = cfg
	}
}

// WithMessageSink sets the sink that receives errors and fatal conditions.
// A nil sink restores the default, which logs through Logger.
func WithMessageSink(sink MessageSink) DeviceOption {
	return func(o *deviceOptions) {
		if sink == nil {
			sink = LogMessageSink{}
		}
		o.sink = sink
	}
}

// WithLogger installs l as the package logger. It is shorthand for calling
// SetLogger before creating the device.
func WithLogger(l *slog.Logger) DeviceOption {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

// WithLabel sets the label used in logs and native object names.
func WithLabel(label string) DeviceOption {
	return func(o *deviceOptions) {
		o.label = label
	}
}
