package dynamo

import "errors"

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the configuration for a [Client]. Use [Option] functions to
// customise the defaults.
type Options struct {
	dynamoDBAPI API
	consistent  bool
}

func newOptions() *Options {
	return &Options{}
}

func (o *Options) validate() error {
	_ = o // nothing to validate yet; keep the hook the other backends have
	return nil
}

// WithAPI sets a custom [API] implementation. This is useful when a custom
// DynamoDB configuration is required, or for injecting mocks in tests.
func WithAPI(api API) Option {
	return func(o *Options) {
		o.dynamoDBAPI = api
	}
}

// WithConsistentReads makes Get and Query use strongly consistent reads.
// Scans always read eventually consistently.
func WithConsistentReads(consistent bool) Option {
	return func(o *Options) {
		o.consistent = consistent
	}
}

var errNotConnected = errors.New("dynamo client is not connected")
