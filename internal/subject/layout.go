package subject

import (
	"path"
	"path/filepath"
	"strings"
)

const (
	processedDirName       = "processed"
	additionalFilesDirName = "AdditionalFiles"
	remoteLogsDirName      = "logs"
)

var (
	inputSuffixes  = []string{".bval", ".bvec", ".nii.gz"}
	outputSuffixes = []string{"_bse-multi_BrainMask.nii.gz", "_bse.nii.gz"}
)

// Layout derives every local and remote location used for a subject.
type Layout struct {
	RemoteRoot         string
	Group              string
	SourceSubpath      string
	OutputName         string
	LocalDataRoot      string
	AdditionalFilesDir string
	FileSubstring      string
}

// RemoteSubject is <remote_root>/<group>/<id>.
func (l Layout) RemoteSubject(s *Subject) string {
	return JoinURI(l.RemoteRoot, l.Group, s.ID)
}

// RemoteSource is the prefix the subject's inputs are downloaded from.
func (l Layout) RemoteSource(s *Subject) string {
	return JoinURI(l.RemoteSubject(s), l.SourceSubpath)
}

// RemoteDest is the prefix the subject's outputs are uploaded to.
func (l Layout) RemoteDest(s *Subject) string {
	return JoinURI(l.RemoteSubject(s), l.OutputName)
}

// RemoteAdditionalFiles is the group-wide prefix for segregated extra files.
func (l Layout) RemoteAdditionalFiles() string {
	return JoinURI(l.RemoteRoot, l.Group, additionalFilesDirName)
}

// RemoteLogs is the group-wide prefix that receives processed log copies.
func (l Layout) RemoteLogs() string {
	return JoinURI(l.RemoteRoot, l.Group, remoteLogsDirName)
}

// StagingRoot holds one directory per staged subject of the group.
func (l Layout) StagingRoot() string {
	return filepath.Join(l.LocalDataRoot, l.Group)
}

// StagingSubjectDir is the subject's top-level staging directory.
func (l Layout) StagingSubjectDir(s *Subject) string {
	return filepath.Join(l.LocalDataRoot, l.Group, s.ID)
}

// StagingDir receives the downloaded inputs and the processing outputs.
func (l Layout) StagingDir(s *Subject) string {
	return filepath.Join(l.StagingSubjectDir(s), l.OutputName)
}

// ProcessedRoot holds subjects moved out of staging after processing.
func (l Layout) ProcessedRoot() string {
	return filepath.Join(l.LocalDataRoot, processedDirName, l.Group)
}

// ProcessedSubjectDir is the subject's directory under the processed root.
func (l Layout) ProcessedSubjectDir(s *Subject) string {
	return filepath.Join(l.ProcessedRoot(), s.ID)
}

// ProcessedDir is the directory uploaded to RemoteDest.
func (l Layout) ProcessedDir(s *Subject) string {
	return filepath.Join(l.ProcessedSubjectDir(s), l.OutputName)
}

// AdditionalDir receives files that are not part of the subject's output set.
func (l Layout) AdditionalDir(s *Subject) string {
	return filepath.Join(l.AdditionalFilesDir, s.ID)
}

// FilePrefix is the common prefix of every expected file name.
func (l Layout) FilePrefix(s *Subject) string {
	return s.Base + l.FileSubstring
}

// InputFiles lists the file names that must be staged before processing.
func (l Layout) InputFiles(s *Subject) []string {
	return withSuffixes(l.FilePrefix(s), inputSuffixes)
}

// OutputFiles lists the file names the masking step produces.
func (l Layout) OutputFiles(s *Subject) []string {
	return withSuffixes(l.FilePrefix(s), outputSuffixes)
}

// ExpectedFiles lists the full output set that is kept and uploaded.
func (l Layout) ExpectedFiles(s *Subject) []string {
	return append(l.InputFiles(s), l.OutputFiles(s)...)
}

// ImageFile is the diffusion volume listed in the processing manifest.
func (l Layout) ImageFile(s *Subject) string {
	return filepath.Join(l.StagingDir(s), l.FilePrefix(s)+".nii.gz")
}

// IsExpected reports whether name belongs to the subject's output set.
func (l Layout) IsExpected(s *Subject, name string) bool {
	for _, expected := range l.ExpectedFiles(s) {
		if expected == name {
			return true
		}
	}
	return false
}

func withSuffixes(prefix string, suffixes []string) []string {
	out := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		out = append(out, prefix+suffix)
	}
	return out
}

// JoinURI appends path segments to a URI root such as s3://bucket/prefix
// without disturbing the scheme separator.
func JoinURI(root string, parts ...string) string {
	root = strings.TrimRight(root, "/")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, "/"); part != "" {
			cleaned = append(cleaned, part)
		}
	}
	if len(cleaned) == 0 {
		return root
	}
	return root + "/" + path.Join(cleaned...)
}
