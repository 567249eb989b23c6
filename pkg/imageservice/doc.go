// Package imageservice is the content-addressed artifact cache: services,
// layers and components are named by digest, fetched at most once per
// digest regardless of how many callers ask for the same one
// concurrently, and evicted oldest-cached-first when disk pressure
// demands space back.
//
// The on-disk layout is directory-per-key, generalized from volume IDs
// to content digests: committed blobs live under imagesDir/<algorithm>/
// <hex>, in-progress downloads are extracted into a scratch directory
// under downloadsDir and only renamed into place once the digest has
// been verified.
package imageservice
