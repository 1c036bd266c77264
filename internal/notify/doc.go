// Package notify delivers order workflow notifications.
//
// A Dispatcher implements workflow.Notifier. Customers receive a WhatsApp text
// when their order changes stage; staff receive StaffEvents through every
// configured StaffChannel:
//
//   - MatrixChannel posts to the store's Matrix room
//   - Broadcaster feeds the live event stream of the staff API
//   - LogChannel writes to the log when nothing else is configured
//
// RenderTicket formats a placed order for the kitchen.
package notify
