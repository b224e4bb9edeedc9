package rpframe

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var ErrNoFrames = xerrors.New("animation contains no frame files")

// AssetError means a selected animation couldn't be loaded from disk. Fatal
// for that load attempt only: an already loaded set keeps serving.
type AssetError struct {
	AnimationID string
	Err         error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("error loading frames for animation %q: %v", e.AnimationID, e.Err)
}

func (e *AssetError) Unwrap() error { return e.Err }

// Frame is one precompressed animation step, with response metadata computed
// once at load time so the request path never recomputes it.
type Frame struct {
	ContentLength string
	Payload       []byte
}

// FrameSet is the full ordered frame sequence of one loaded animation. A set
// is immutable once built; reloads build a fresh one and swap it in whole, so
// a set obtained from FrameStore.Current stays internally consistent for the
// duration of a request no matter what rotation does concurrently.
type FrameSet struct {
	animationID string
	frames      []Frame
}

func (s *FrameSet) AnimationID() string { return s.animationID }

func (s *FrameSet) Count() int { return len(s.frames) }

// Get returns the frame at index, which the caller must have validated
// against Count. Out of range access is a programming error and panics.
func (s *FrameSet) Get(index int) Frame { return s.frames[index] }

// FrameStore holds the currently loaded animation in memory. Load builds a
// complete FrameSet before publishing it with an atomic pointer swap, so
// concurrent readers never observe an empty or half-populated sequence.
type FrameStore struct {
	assetDir          string
	current           atomic.Pointer[FrameSet]
	logger            *logrus.Logger
	name              string
	rotateLoopStarted bool
	timeNow           func() time.Time
}

func NewFrameStore(logger *logrus.Logger, assetDir string) *FrameStore {
	return &FrameStore{
		assetDir: assetDir,
		logger:   logger,
		name:     reflect.TypeOf(FrameStore{}).Name(),
		timeNow:  time.Now,
	}
}

// Current returns the loaded frame set, or nil if no load has succeeded yet.
func (s *FrameStore) Current() *FrameSet {
	return s.current.Load()
}

// Frame files carry their sequence number embedded in the filename, like
// "frame2.svg.gz". Ordering must follow the number, not the name, so that
// frame2 sorts before frame10.
var frameSequenceRE = regexp.MustCompile(`(\d+)`)

// Load reads every frame of the given animation into memory, ordered by
// embedded sequence number, and swaps the result in as the current set. On
// failure the previously loaded set, if any, is left in place.
func (s *FrameStore) Load(animationID string) (int, error) {
	dir := filepath.Join(s.assetDir, animationID)

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &AssetError{AnimationID: animationID, Err: err}
	}

	type frameFile struct {
		name     string
		sequence int
	}

	var files []frameFile
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		match := frameSequenceRE.FindStringSubmatch(dirEntry.Name())
		if match == nil {
			continue
		}

		sequence, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}

		files = append(files, frameFile{name: dirEntry.Name(), sequence: sequence})
	}

	if len(files) == 0 {
		return 0, &AssetError{AnimationID: animationID, Err: ErrNoFrames}
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].sequence != files[j].sequence {
			return files[i].sequence < files[j].sequence
		}
		return files[i].name < files[j].name
	})

	frames := make([]Frame, len(files))
	for i, file := range files {
		payload, err := os.ReadFile(filepath.Join(dir, file.name))
		if err != nil {
			return 0, &AssetError{AnimationID: animationID, Err: err}
		}

		frames[i] = Frame{
			ContentLength: strconv.Itoa(len(payload)),
			Payload:       payload,
		}
	}

	s.current.Store(&FrameSet{animationID: animationID, frames: frames})

	s.logger.WithFields(logrus.Fields{
		"animation_id": animationID,
		"num_frames":   len(frames),
	}).Infof(s.name+": Loaded %d frame(s) for animation %q", len(frames), animationID)

	return len(frames), nil
}

// RotateLoop re-runs daily selection on a fixed interval and reloads frames
// when the selected animation changes, e.g. when a day boundary passes.
func (s *FrameStore) RotateLoop(shutdown <-chan struct{}, offsetDays int, checkInterval time.Duration) {
	if s.rotateLoopStarted {
		panic("RotateLoop already started -- should only be run once")
	}

	s.rotateLoopStarted = true

	for {
		select {
		case <-shutdown:
			s.logger.Infof(s.name + ": Received shutdown signal")
			return

		case <-time.After(checkInterval):
		}

		s.rotate(offsetDays)
	}
}

func (s *FrameStore) rotate(offsetDays int) {
	ids, err := DiscoverAnimations(s.assetDir)
	if err != nil {
		s.logger.Errorf(s.name+": Error discovering animations during rotation: %v", err)
		return
	}

	animationID := SelectForDay(ids, EpochDays(s.timeNow()), offsetDays)

	if current := s.current.Load(); current != nil && current.animationID == animationID {
		return
	}

	if _, err := s.Load(animationID); err != nil {
		// Keep serving whatever was loaded before.
		s.logger.Errorf(s.name+": Error loading animation %q during rotation: %v", animationID, err)
	}
}
