// Package conversation drives a customer's ordering dialogue from inbound
// WhatsApp events.
//
// # Overview
//
// The Service sits between the webhook handler and the pure state machine in
// package engine. For every inbound event it:
//
//  1. Drops platform redeliveries by message id
//  2. Throttles customers sending faster than the configured rate
//  3. Takes the per-customer gate, so one customer's events run one at a time
//  4. Loads the live conversation, or starts one at WELCOME when the last one
//     went idle
//  5. Runs the engine and persists the new conversation
//  6. Sends the outbound messages, in order, only after the write succeeded
//
// # Checkout
//
// When the engine reports a checkout, card and cash payments place the order
// at once through the OrderPlacer and the conversation is deleted. Pix
// payments wait in WAITING_PAYMENT_CONFIRMATION until ConfirmPayment is
// called by the payment callback or by staff.
//
// # Failures
//
// A failing collaborator aborts the pass before anything is sent. The
// customer gets one generic apology and the message id is forgotten, so a
// platform retry is processed normally.
//
// # Idle conversations
//
// Conversations untouched for longer than the idle timeout (10 minutes by
// default) are replaced on the next event and removed by RunSweeper.
package conversation
