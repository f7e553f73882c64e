// Package updater implements batched dependency updates across the modules
// of a product repository.
//
// A batch walks the module dependency graph bottom-up: whenever all
// dependencies of a module reached their final revision, the module's
// dependency manifest is updated via a review change, approved and handed to
// the staging pipeline. When every module is up to date the product
// repository itself is updated with a consistent set of submodule pins.
//
// The process is one-shot by design. Each invocation advances the batch by a
// single iteration and persists the remaining work in a personal ref of the
// product repository, integration of review changes can take hours and is
// waited out across invocations instead of in-process.
package updater
