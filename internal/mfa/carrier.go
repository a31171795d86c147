package mfa

import "context"

// Carrier delivers a one-time code to a contact address. SMS and email
// delivery are external collaborators; only the contract lives here.
type Carrier interface {
	Send(ctx context.Context, contact, code string) error
}

// CarrierFunc adapts a function to the Carrier interface.
type CarrierFunc func(ctx context.Context, contact, code string) error

func (f CarrierFunc) Send(ctx context.Context, contact, code string) error {
	return f(ctx, contact, code)
}
