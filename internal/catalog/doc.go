// Package catalog is the product data collaborator behind the general API
// routes. The Service interface is what handlers consume. Memory is the
// in-process implementation used when no external catalog is wired.
package catalog
