// Package backend defines the common interface that all worker backends
// (local process, cluster batch job) must implement, along with the domain
// types exchanged between the dispatcher and backend implementations.
package backend
