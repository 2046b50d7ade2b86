// Package processing runs the external brain-masking pipeline for a batch.
//
// The pipeline is either one masking script invoked with the manifest, the
// model folder, and a process count, or an ordered list of step scripts run
// from a pipeline directory. Either way the call blocks for the whole batch
// and success is judged per subject by the presence of its output files, so a
// non-zero exit fails only the subjects whose outputs are missing.
package processing
