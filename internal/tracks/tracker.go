package tracks

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/geom"
	"github.com/banshee-data/gatecheck/internal/monitoring"
)

var log = monitoring.Component("tracks")

// centerTieBreak weights center distance inside the IoU association cost so
// that, between equal overlaps, the closer detection wins.
const centerTieBreak = 0.01

// Status is the lifecycle state of a live track.
type Status string

const (
	StatusActive Status = "active" // matched, or missing within the occlusion grace
	StatusLost   Status = "lost"   // missing beyond grace, awaiting re-id or destruction
)

// Config holds the Track Store parameters.
type Config struct {
	AssocIoUMin    float64       // minimum IoU for a regular match
	WeakMatchDist  float64       // center distance bound for a weak match
	SmoothingAlpha float64       // EMA weight of a regular observation
	JitterAlpha    float64       // EMA weight of a weak observation
	OcclusionGrace time.Duration // missing time before a track is lost
	DestroyAfter   time.Duration // missing time before a track is destroyed
	ReidMergeTime  time.Duration // window in which a lost track can be re-identified
	ReidSpatialTol float64       // max distance from the lost track's predicted center
	MaxPredictDt   time.Duration // largest single prediction step
	MinConfidence  float64       // detections below this are dropped
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		AssocIoUMin:    cfg.GetAssocIoUMin(),
		WeakMatchDist:  cfg.GetWeakMatchDist(),
		SmoothingAlpha: cfg.GetSmoothingAlpha(),
		JitterAlpha:    cfg.GetJitterAlpha(),
		OcclusionGrace: cfg.GetOcclusionGrace(),
		DestroyAfter:   cfg.GetTrackDestroy(),
		ReidMergeTime:  cfg.GetReidMergeTime(),
		ReidSpatialTol: cfg.GetReidSpatialTol(),
		MaxPredictDt:   cfg.GetMaxPredictDt(),
		MinConfidence:  cfg.GetMinDetectionConfidence(),
	}
}

// Detection is one detector output for a frame.
type Detection struct {
	Box        geom.Box
	Confidence float64
	Class      string
}

// ReidKey is the appearance-agnostic identity hint kept for a track: where it
// was last seen, how fast it was moving, and its size.
type ReidKey struct {
	Center   geom.Point
	Velocity geom.Point
	Width    float64
	Height   float64
	LastSeen time.Time
}

// PredictAt extrapolates the last seen center to t along the last velocity.
func (k ReidKey) PredictAt(t time.Time) geom.Point {
	dt := t.Sub(k.LastSeen).Seconds()
	if dt < 0 {
		dt = 0
	}
	return geom.Point{X: k.Center.X + k.Velocity.X*dt, Y: k.Center.Y + k.Velocity.Y*dt}
}

// Track is a persistent identity held in the store's arena.
type Track struct {
	ID        int64
	Role      Role
	Status    Status
	Box       geom.Box // latest measurement, or the prediction while missing
	Smoothed  geom.Box
	Velocity  geom.Point // normalized units per second
	FirstSeen time.Time
	LastSeen  time.Time
	Misses    int
	Observed  bool // matched on the latest frame
	Weak      bool // latest match was a weak match
	Reid      ReidKey

	kf *kalman
}

// Snapshot is an immutable copy of a Track.
type Snapshot struct {
	ID        int64      `json:"id"`
	Role      Role       `json:"role"`
	Status    Status     `json:"status"`
	Box       geom.Box   `json:"box"`
	Smoothed  geom.Box   `json:"smoothed"`
	Velocity  geom.Point `json:"velocity"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	Misses    int        `json:"misses"`
	Observed  bool       `json:"observed"`
	Weak      bool       `json:"weak"`
	Reid      ReidKey    `json:"-"`
}

func (t *Track) snapshot() Snapshot {
	return Snapshot{
		ID:        t.ID,
		Role:      t.Role,
		Status:    t.Status,
		Box:       t.Box,
		Smoothed:  t.Smoothed,
		Velocity:  t.Velocity,
		FirstSeen: t.FirstSeen,
		LastSeen:  t.LastSeen,
		Misses:    t.Misses,
		Observed:  t.Observed,
		Weak:      t.Weak,
		Reid:      t.Reid,
	}
}

// Merge records a re-id merge: the identity From was retired and its
// detection continues under Into.
type Merge struct {
	From int64 `json:"from"`
	Into int64 `json:"into"`
}

// Reacquire records an occluded track matched again within the grace period.
type Reacquire struct {
	ID  int64         `json:"id"`
	Gap time.Duration `json:"gap"`
}

// UpdateResult is everything one Update call changed.
type UpdateResult struct {
	Tracks     []Snapshot // all live tracks, ordered by id
	Created    []int64
	Lost       []int64
	Reacquired []Reacquire
	Merged     []Merge
	Destroyed  []int64
	// DetectionTracks maps each input detection index to its track id, or 0
	// when the detection was dropped as malformed.
	DetectionTracks []int64
	Dropped         int
}

// Classifier resolves the role of a new track whose detection class does not
// name one.
type Classifier func(d Detection) Role

// Store is the Track Store. All methods are safe for concurrent use; Update
// is expected to be called by a single pipeline goroutine.
type Store struct {
	mu         sync.RWMutex
	cfg        Config
	classify   Classifier
	tracks     map[int64]*Track
	nextID     int64
	lastUpdate time.Time
}

// NewStore returns an empty Store.
func NewStore(cfg Config, classify Classifier) *Store {
	return &Store{
		cfg:      cfg,
		classify: classify,
		tracks:   make(map[int64]*Track),
		nextID:   1,
	}
}

// SetConfig replaces the parameters used from the next Update.
func (s *Store) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// SetClassifier replaces the role classifier used for new tracks.
func (s *Store) SetClassifier(c Classifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classify = c
}

// Reset drops every track. Ids keep increasing so they are never reused.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = make(map[int64]*Track)
	s.lastUpdate = time.Time{}
}

// SetRole overrides the role of a live track. It reports false for unknown
// ids.
func (s *Store) SetRole(id int64, role Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[id]
	if !ok {
		return false
	}
	t.Role = role
	return true
}

// Get returns a snapshot of one track.
func (s *Store) Get(id int64) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Snapshots returns copies of all live tracks ordered by id.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotsLocked()
}

func (s *Store) snapshotsLocked() []Snapshot {
	out := make([]Snapshot, 0, len(s.tracks))
	for _, id := range s.sortedIDs() {
		out = append(out, s.tracks[id].snapshot())
	}
	return out
}

func (s *Store) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Update associates one frame of detections with the live tracks. It never
// fails: malformed detections are dropped and a frame with no detections
// only ages the tracks.
func (s *Store) Update(dets []Detection, now time.Time) UpdateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := UpdateResult{DetectionTracks: make([]int64, len(dets))}

	var dt time.Duration
	if !s.lastUpdate.IsZero() && now.After(s.lastUpdate) {
		dt = now.Sub(s.lastUpdate)
	}
	if dt > s.cfg.MaxPredictDt && s.cfg.MaxPredictDt > 0 {
		dt = s.cfg.MaxPredictDt
	}
	s.lastUpdate = now

	// Step 1: drop malformed detections.
	valid := make([]int, 0, len(dets))
	for i, d := range dets {
		if !d.Box.Valid() || !geom.Finite(d.Confidence) || d.Confidence < s.cfg.MinConfidence {
			res.Dropped++
			continue
		}
		valid = append(valid, i)
	}
	if res.Dropped > 0 {
		log.Tracef("dropped %d malformed detections", res.Dropped)
	}

	// Step 2: predict every active track forward.
	active := make([]*Track, 0, len(s.tracks))
	predicted := make(map[int64]geom.Box, len(s.tracks))
	for _, id := range s.sortedIDs() {
		t := s.tracks[id]
		if t.Status != StatusActive {
			continue
		}
		t.kf.predict(dt.Seconds())
		cx, cy := t.kf.center()
		predicted[id] = geom.BoxFromCenter(geom.Point{X: cx, Y: cy}, t.Smoothed.Width(), t.Smoothed.Height())
		active = append(active, t)
	}

	// Step 3: associate, strong on IoU then weak on center distance.
	detTrack, weak := s.associate(dets, valid, active, predicted)

	// Step 4: update matched tracks.
	matched := make(map[int64]bool, len(detTrack))
	for _, di := range valid {
		t := detTrack[di]
		if t == nil {
			continue
		}
		if t.Misses > 0 {
			res.Reacquired = append(res.Reacquired, Reacquire{ID: t.ID, Gap: now.Sub(t.LastSeen)})
		}
		s.observe(t, dets[di], now, weak[di])
		matched[t.ID] = true
		res.DetectionTracks[di] = t.ID
	}

	// Step 5: age unmatched tracks.
	for _, id := range s.sortedIDs() {
		t := s.tracks[id]
		if matched[id] {
			continue
		}
		t.Observed = false
		t.Weak = false
		missing := now.Sub(t.LastSeen)
		switch t.Status {
		case StatusActive:
			t.Misses++
			if box, ok := predicted[id]; ok {
				t.Box = box
			}
			if missing > s.cfg.OcclusionGrace {
				t.Status = StatusLost
				res.Lost = append(res.Lost, id)
				log.Tracef("track %d lost after %v", id, missing)
			}
		case StatusLost:
			t.Misses++
		}
		if missing > s.cfg.DestroyAfter {
			delete(s.tracks, id)
			res.Destroyed = append(res.Destroyed, id)
		}
	}

	// Step 6: spawn tracks for unmatched detections.
	for _, di := range valid {
		if detTrack[di] != nil {
			continue
		}
		t := s.spawn(dets[di], now)
		res.Created = append(res.Created, t.ID)
		res.DetectionTracks[di] = t.ID
	}

	// Step 7: re-identify lost tracks against young ones.
	s.reidentify(now, &res)

	res.Tracks = s.snapshotsLocked()
	return res
}

// associate returns the track matched to each detection index and whether
// the match was weak.
func (s *Store) associate(dets []Detection, valid []int, active []*Track, predicted map[int64]geom.Box) (map[int]*Track, map[int]bool) {
	detTrack := make(map[int]*Track, len(valid))
	weak := make(map[int]bool)
	if len(valid) == 0 || len(active) == 0 {
		return detTrack, weak
	}

	cost := make([][]float64, len(valid))
	for r, di := range valid {
		cost[r] = make([]float64, len(active))
		for c, t := range active {
			pred := predicted[t.ID]
			iou := geom.IoU(pred, dets[di].Box)
			if iou < s.cfg.AssocIoUMin || iou <= 0 {
				cost[r][c] = forbidden
				continue
			}
			cost[r][c] = (1 - iou) + centerTieBreak*geom.CenterDistance(pred, dets[di].Box)
		}
	}
	taken := make(map[int64]bool, len(active))
	for r, c := range hungarianAssign(cost) {
		if c < 0 {
			continue
		}
		detTrack[valid[r]] = active[c]
		taken[active[c].ID] = true
	}

	// Weak pass over what is left.
	var restDets []int
	for _, di := range valid {
		if detTrack[di] == nil {
			restDets = append(restDets, di)
		}
	}
	var restTracks []*Track
	for _, t := range active {
		if !taken[t.ID] {
			restTracks = append(restTracks, t)
		}
	}
	if len(restDets) == 0 || len(restTracks) == 0 || s.cfg.WeakMatchDist <= 0 {
		return detTrack, weak
	}
	weakCost := make([][]float64, len(restDets))
	for r, di := range restDets {
		weakCost[r] = make([]float64, len(restTracks))
		for c, t := range restTracks {
			d := geom.CenterDistance(predicted[t.ID], dets[di].Box)
			if d > s.cfg.WeakMatchDist {
				weakCost[r][c] = forbidden
				continue
			}
			weakCost[r][c] = d
		}
	}
	for r, c := range hungarianAssign(weakCost) {
		if c < 0 {
			continue
		}
		detTrack[restDets[r]] = restTracks[c]
		weak[restDets[r]] = true
	}
	return detTrack, weak
}

// observe folds a matched detection into t. Weak matches are smoothed harder
// so jitter does not leak into the zone and contact tests.
func (s *Store) observe(t *Track, d Detection, now time.Time, weakMatch bool) {
	c := d.Box.Center()
	t.kf.update(c.X, c.Y)
	alpha := s.cfg.SmoothingAlpha
	if weakMatch {
		alpha = s.cfg.JitterAlpha
	}
	t.Box = d.Box
	t.Smoothed = geom.SmoothBox(t.Smoothed, d.Box, alpha)
	vx, vy := t.kf.velocity()
	t.Velocity = geom.Point{X: vx, Y: vy}
	t.LastSeen = now
	t.Misses = 0
	t.Observed = true
	t.Weak = weakMatch
	t.Status = StatusActive
	t.Reid = ReidKey{
		Center:   t.Smoothed.Center(),
		Velocity: t.Velocity,
		Width:    t.Smoothed.Width(),
		Height:   t.Smoothed.Height(),
		LastSeen: now,
	}
}

func (s *Store) spawn(d Detection, now time.Time) *Track {
	role := RoleFromClass(d.Class)
	if role == RoleUnknown && s.classify != nil {
		role = s.classify(d)
	}
	if role == RoleUnknown {
		role = RoleVisitor
	}
	c := d.Box.Center()
	t := &Track{
		ID:        s.nextID,
		Role:      role,
		Status:    StatusActive,
		Box:       d.Box,
		Smoothed:  d.Box,
		FirstSeen: now,
		LastSeen:  now,
		Observed:  true,
		kf:        newKalman(c.X, c.Y),
		Reid: ReidKey{
			Center:   c,
			Width:    d.Box.Width(),
			Height:   d.Box.Height(),
			LastSeen: now,
		},
	}
	s.nextID++
	s.tracks[t.ID] = t
	return t
}
