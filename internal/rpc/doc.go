// Package rpc holds what the worker and manager HTTP services share: the
// fiber application setup, the mapping between errors and HTTP responses,
// and the delayed self-stop.
package rpc
