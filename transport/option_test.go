package transport

import "testing"

func TestWithLogger(t *testing.T) {
	logger := &mockLogger{}
	opt := WithLogger(logger)

	var opts options
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestWithSendBufferSize(t *testing.T) {
	opt := WithSendBufferSize(100)

	var opts options
	opt(&opts)

	if opts.sendBufferSize != 100 {
		t.Errorf("sendBufferSize = %d, want 100", opts.sendBufferSize)
	}
}

func TestApplyDefaults_FillsUnsetFields(t *testing.T) {
	var opts options
	applyDefaults(&opts)

	if opts.logger == nil {
		t.Error("logger not defaulted")
	}
	if opts.sendBufferSize != defaultSendBufferSize {
		t.Errorf("sendBufferSize = %d, want %d", opts.sendBufferSize, defaultSendBufferSize)
	}
}

func TestApplyDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	logger := &mockLogger{}
	opts := options{logger: logger, sendBufferSize: 7}
	applyDefaults(&opts)

	if opts.logger != logger {
		t.Error("applyDefaults overrode an explicit logger")
	}
	if opts.sendBufferSize != 7 {
		t.Errorf("sendBufferSize = %d, want 7 (explicit value preserved)", opts.sendBufferSize)
	}
}

func TestOptions_MultipleOptionsCompose(t *testing.T) {
	logger := &mockLogger{}

	var opts options
	for _, opt := range []Option{WithLogger(logger), WithSendBufferSize(32)} {
		opt(&opts)
	}

	if opts.logger != logger {
		t.Error("logger not set")
	}
	if opts.sendBufferSize != 32 {
		t.Errorf("sendBufferSize = %d, want 32", opts.sendBufferSize)
	}
}
