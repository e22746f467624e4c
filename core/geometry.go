package core

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/geospatial-session/model"
)

// EarthRadiusM is the mean Earth radius used for the local-frame
// approximations below (metres).
const EarthRadiusM = 6371000.0

// Rooftop anchors are scaled by camera distance inside this band.
const (
	RooftopScaleMinDistance = 2.0
	RooftopScaleMaxDistance = 20.0
)

// up is the Up axis of the East-Up-North frame.
var up = r3.Vec{Y: 1}

func toNumber(q model.Quaternion) quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) model.Quaternion {
	return model.Quaternion{X: n.Imag, Y: n.Jmag, Z: n.Kmag, W: n.Real}
}

func toVec(v model.Vec3) r3.Vec { return r3.Vec{X: v.X, Y: v.Y, Z: v.Z} }

// RotateAroundUp returns a rotation of deg degrees about the Up axis.
func RotateAroundUp(deg float64) model.Quaternion {
	rot := r3.NewRotation(deg*math.Pi/180, up)
	return fromNumber(quat.Number(rot))
}

// LegacyHeadingRotation rebuilds an orientation for history entries that
// predate stored rotations. The 180° − heading convention must match the
// files already on disk; do not change it.
func LegacyHeadingRotation(headingDeg float64) model.Quaternion {
	return RotateAroundUp(180 - headingDeg)
}

// ReplayOrientation picks the stored rotation of a history entry, falling
// back to its legacy heading.
func ReplayOrientation(e model.AnchorHistoryEntry) model.Quaternion {
	if e.HasOrientation() {
		return Normalize(*e.Orientation)
	}
	return LegacyHeadingRotation(e.Heading)
}

// Normalize scales q to unit length. The zero quaternion maps to identity.
func Normalize(q model.Quaternion) model.Quaternion {
	n := toNumber(q)
	abs := quat.Abs(n)
	if abs == 0 || math.IsNaN(abs) || math.IsInf(abs, 0) {
		return model.IdentityQuaternion
	}
	return fromNumber(quat.Scale(1/abs, n))
}

// Distance returns the straight-line distance between two local points.
func Distance(a, b model.Vec3) float64 {
	return r3.Norm(r3.Sub(toVec(a), toVec(b)))
}

// RooftopScale maps camera-to-anchor distance onto a render scale in
// [1, 2]: distances are clamped to [2, 20] m and mapped linearly.
func RooftopScale(distance float64) float64 {
	d := clamp(distance, RooftopScaleMinDistance, RooftopScaleMaxDistance)
	return (d-RooftopScaleMinDistance)/(RooftopScaleMaxDistance-RooftopScaleMinDistance) + 1
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GreatCircleDistance returns the haversine distance between two
// geodetic points in metres.
func GreatCircleDistance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	s := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// LocalOffset projects a geodetic point into the East-Up-North frame
// centred on origin. It uses an equirectangular approximation, which is
// accurate to centimetres over the few hundred metres a session covers.
func LocalOffset(origin model.GeospatialPose, lat, lon, alt float64) model.Vec3 {
	phi0 := origin.Latitude * math.Pi / 180
	east := (lon - origin.Longitude) * math.Pi / 180 * EarthRadiusM * math.Cos(phi0)
	north := (lat - origin.Latitude) * math.Pi / 180 * EarthRadiusM
	return model.Vec3{X: east, Y: alt - origin.Altitude, Z: north}
}

// Geodetic is the inverse of LocalOffset: it maps an East-Up-North offset
// from origin back to latitude, longitude and altitude.
func Geodetic(origin model.GeospatialPose, offset model.Vec3) (lat, lon, alt float64) {
	phi0 := origin.Latitude * math.Pi / 180
	lat = origin.Latitude + offset.Z/EarthRadiusM*180/math.Pi
	lon = origin.Longitude + offset.X/(EarthRadiusM*math.Cos(phi0))*180/math.Pi
	return lat, lon, origin.Altitude + offset.Y
}
