// Package webhook receives payment provider callbacks on the raw-body branch
// of the ingress pipeline.
//
// The payload reaches the handler byte-for-byte as sent, which is what the
// HMAC signature in the Stripe-Signature header is computed over:
//
//	Stripe-Signature: t=1712345678,v1=5257a869e7ecebeda32affa62cdca3fa51cad7e77a0e56ff536d0ce8e108d8bd
//
// A verified event is optionally archived to S3 and handed to a Processor.
// What the event means for orders and payments is the Processor's business.
package webhook
