// Package dedupe remembers recently seen inbound message ids so a webhook
// redelivered by the platform is handled once.
package dedupe
