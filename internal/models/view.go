package models

import "fmt"

// ViewSpec is one fixed camera orbit captured for every asset.
type ViewSpec struct {
	Name        string `json:"name"`
	Index       int    `json:"index"`
	CameraOrbit string `json:"camera_orbit"`
}

// Views lists the eight orbits in capture order. The orbit strings are
// azimuth, elevation and distance literals understood by model-viewer.
var Views = [8]ViewSpec{
	{Name: "front", Index: 0, CameraOrbit: "0deg 90deg 5.5m"},
	{Name: "back", Index: 1, CameraOrbit: "180deg 90deg 5.5m"},
	{Name: "left", Index: 2, CameraOrbit: "-90deg 90deg 5.5m"},
	{Name: "right", Index: 3, CameraOrbit: "90deg 90deg 5.5m"},
	{Name: "top", Index: 4, CameraOrbit: "0deg 0deg 5.5m"},
	{Name: "bottom", Index: 5, CameraOrbit: "0deg 180deg 5.5m"},
	{Name: "isometric_front_right", Index: 6, CameraOrbit: "45deg 60deg 5.5m"},
	{Name: "isometric_front_left", Index: 7, CameraOrbit: "-45deg 60deg 5.5m"},
}

// FileName is the local screenshot name for the view.
func (v ViewSpec) FileName() string {
	return fmt.Sprintf("view_%d_%s.jpg", v.Index, v.Name)
}

// ObjectKey is the storage key of the view's screenshot for an asset.
func (v ViewSpec) ObjectKey(client, articleID string) string {
	name := fmt.Sprintf("%s_view_%d_%s.jpg", articleID, v.Index, v.Name)
	if client == "" {
		return articleID + "/" + name
	}
	return client + "/" + articleID + "/" + name
}
