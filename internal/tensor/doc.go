// Package tensor caches references to intermediate tensors captured by the
// executing graph and serializes them for transfer in bounded chunks.
package tensor
