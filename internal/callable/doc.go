// Package callable defines the work items a task may invoke.
//
// A task target is a tagged variant: either a free function, or a method on
// a named receiver type whose state travels with the target. Both are looked
// up in an explicit Registry; a worker never executes anything that was not
// registered in its binary. Target, positional and keyword arguments are
// JSON documents carried as opaque blobs by the task registry.
//
// Registration happens in init functions, so a worker and the task processes
// it spawns (re-executions of the same binary) see the same allow-list.
package callable
