// Package reconcile keeps an application visible value tree (the Mirror) in
// step with a replicated document.
//
// Local edits of the mirror are stamped with ChangeMetadata and written into
// the document under StateKey and MetaKey. Remote changes of the document are
// checked for echoes (own client id) and staleness (timestamp older than the
// last applied one) and then merged into the mirror with Merger, which keeps
// local edits alive where it can:
//
//   - records are merged key by key, keys missing remotely are deleted
//   - arrays of records with an id field ("id", "ID" or "_id") are merged by
//     identity, incoming order first, then local only elements
//   - other arrays are overwritten unless they were edited locally within
//     RecentWindow, then they are merged position by position
//   - recursion deeper than MaxDepth overwrites
//
// The two directions are guarded by the applyingRemote and processingLocal
// flags of the Binding, both cleared on the next reactor tick.
package reconcile
