package proxy

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// medicalTypes 覆盖 mime 包不认识的医学影像与网格格式。
var medicalTypes = map[string]string{
	".nii.gz": "application/gzip",
	".nii":    "application/octet-stream",
	".dcm":    "application/dicom",
	".dicom":  "application/dicom",
	".nrrd":   "application/octet-stream",
	".nhdr":   "text/plain; charset=utf-8",
	".mha":    "application/octet-stream",
	".mhd":    "text/plain; charset=utf-8",
	".vtk":    "application/octet-stream",
	".vtp":    "application/xml",
	".stl":    "model/stl",
	".obj":    "model/obj",
	".ply":    "application/octet-stream",
	".glb":    "model/gltf-binary",
	".gltf":   "model/gltf+json",
	".gz":     "application/gzip",
	".zip":    "application/zip",
}

const defaultContentType = "application/octet-stream"

// contentTypeFor 根据 URL 路径扩展名推断 Content-Type，未知扩展返回 octet-stream。
func contentTypeFor(rawPath string) string {
	if u, err := url.Parse(rawPath); err == nil && u.Path != "" {
		rawPath = u.Path
	}
	base := strings.ToLower(path.Base(rawPath))
	if strings.HasSuffix(base, ".nii.gz") {
		return medicalTypes[".nii.gz"]
	}
	ext := path.Ext(base)
	if ext == "" {
		return defaultContentType
	}
	if ct, ok := medicalTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}
