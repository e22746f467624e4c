package model

// Vec3 is a position in the session's local render frame, in metres.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// Quaternion is a unit rotation stored as (X, Y, Z, W). Geospatial
// orientations are expressed in the East-Up-North frame.
type Quaternion struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
	W float64 `json:"w" yaml:"w"`
}

// IdentityQuaternion is the zero rotation.
var IdentityQuaternion = Quaternion{W: 1}

// IsZero reports whether every component is zero. A zero quaternion is
// not a rotation; it is what an unset orientation decodes to.
func (q Quaternion) IsZero() bool {
	return q == Quaternion{}
}

// Pose is a position and rotation in the local render frame.
type Pose struct {
	Position Vec3
	Rotation Quaternion
}

// GeospatialPose is the per-tick geospatial estimate produced by the
// tracking collaborator. It is treated as an immutable snapshot.
type GeospatialPose struct {
	Latitude  float64 // degrees
	Longitude float64 // degrees
	Altitude  float64 // metres

	HorizontalAccuracy float64 // metres
	VerticalAccuracy   float64 // metres

	// Orientation is the device rotation in the East-Up-North frame.
	Orientation Quaternion
	YawAccuracy float64 // degrees
}
