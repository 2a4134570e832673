// Package metrics exposes prometheus collectors for both consensus tiers and
// the federation node registry. Every recorder method is safe on a nil
// receiver so components can run without metrics in tests.
package metrics
