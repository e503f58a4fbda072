package engine

import "context"

// Gateway abstracts the trading venue for the engine.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, brokerID string) error
}
