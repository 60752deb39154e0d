package navwarm

// DeviceClassifier reports whether the session runs on a constrained
// device. The classification sizes the retrieval concurrency and the
// per-navigation prefetch budget.
type DeviceClassifier interface {
	ConstrainedDevice() bool
}

// StaticDevice is a fixed device classification.
type StaticDevice bool

func (d StaticDevice) ConstrainedDevice() bool {
	return bool(d)
}
