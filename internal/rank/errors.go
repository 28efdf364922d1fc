package rank

import "errors"

// Sentinel errors shared across the crawl and storage layers.
var (
	ErrNavigationTimeout    = errors.New("navigation timeout")
	ErrNoResultsTimeout     = errors.New("no results became visible")
	ErrSession              = errors.New("rendering session error")
	ErrExtraction           = errors.New("entry extraction failed")
	ErrOperationTimeout     = errors.New("operation timeout")
	ErrTransport            = errors.New("output store transport error")
	ErrConfigurationMissing = errors.New("required configuration missing")
	ErrNoColumn             = errors.New("phrase index has no output column")
)

// ErrQueueClosed is returned by queues after shutdown.
var ErrQueueClosed = errors.New("queue closed")
