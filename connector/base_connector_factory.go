package connector

import (
	"strings"
	"sync"
)

// BaseConnectorFactory contains underlying common methods for all ConnectorFactory implementations
type BaseConnectorFactory struct {
	URLs              []string
	pubMu             sync.Mutex
	subMu             sync.Mutex
	publisherCounter  uint64
	subscriberCounter uint64
}

// GetNextPublisherURL returns the next address for a publisher to connect to
// in a round-robin-manner from the list of available broker servers
func (b *BaseConnectorFactory) GetNextPublisherURL() string {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	index := b.publisherCounter % uint64(len(b.URLs))
	b.publisherCounter++
	return b.URLs[index]
}

// GetNextSubscriberURL returns the next address for a subscriber to connect to
// in a reversed round-robin-manner from the list of available broker servers
func (b *BaseConnectorFactory) GetNextSubscriberURL() string {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	index := uint64(len(b.URLs)) - 1 - b.subscriberCounter%uint64(len(b.URLs))
	b.subscriberCounter++
	return b.URLs[index]
}

// withScheme prefixes addr with scheme unless it already names one.
func withScheme(scheme, addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return scheme + "://" + addr
}
