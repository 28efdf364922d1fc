// Package storage holds the artifact backends that implement rank.BlobStore.
// The crawler uses them to keep a screenshot of every failed crawl.
package storage
