/*
Package reactor provides the single-threaded event loop the relay runs on.

Goroutines that observe the outside world (process pipes, WebSocket readers, timers) never touch relay state directly.
They post closures with CallFromThread, and the loop runs them one at a time in the order they were posted.
Delayed calls are driven by a clock.Clock so that tests can move time forward with a mock clock.
*/
package reactor
