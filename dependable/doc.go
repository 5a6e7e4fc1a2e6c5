// Package dependable is grounded on the same "walk a graph of direct
// references, no central registry required" shape used by
// eventloop's promise fan-out (ChainedPromise.addHandler /
// ChainedPromise.fanOut walk a linked list of handlers by pointer, not by
// looking anything up); here the graph is the depends-on DAG instead of a
// promise's handler chain.
package dependable
