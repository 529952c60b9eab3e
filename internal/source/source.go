package source

import (
	"context"
	"net/http"

	"price-truth/internal/model"
	"price-truth/internal/transport"
)

// Quote error kinds produced here in addition to the transport kinds.
const (
	KindBlocked      = "blocked"
	KindParseFailure = "parse_failure"
)

// Adapter fetches one source's quote for a product. It never returns an error:
// failures are recorded on the quote so one broken source cannot abort a round.
type Adapter interface {
	Name() string
	FetchQuote(ctx context.Context, key model.ProductKey) model.SourceQuoteRecord
}

// Fetcher is the subset of the request coordinator adapters depend on.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, headers http.Header) (*transport.Response, error)
}

var _ Fetcher = (*transport.Coordinator)(nil)
var _ Adapter = (*HTMLAdapter)(nil)

// Unreachable reports whether a failed quote means the source could not be reached,
// as opposed to answering with an unusable page.
func Unreachable(q model.SourceQuoteRecord) bool {
	if q.Success {
		return false
	}
	switch q.ErrorKind {
	case transport.KindNetworkTimeout, transport.KindNetwork, transport.KindRetryableStatus, transport.KindCancelled:
		return true
	}
	return false
}
