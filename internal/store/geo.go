package store

import "math"

// 平均地球半径（米）
const earthRadiusM = 6371008.8

// DistanceMeters：球面距离（Haversine），返回米
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// boundingBox：半径外接矩形，用于索引预过滤；minLat,minLon,maxLat,maxLon
func boundingBox(lat, lon, meters float64) [4]float64 {
	dLat := meters / earthRadiusM * 180 / math.Pi
	cos := math.Cos(lat * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-9 {
		dLon = math.Min(dLat/cos, 180)
	}
	return [4]float64{lat - dLat, lon - dLon, lat + dLat, lon + dLon}
}
