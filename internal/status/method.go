package status

type Method string

const (
	MethodStatus   Method = "STATUS"
	MethodList     Method = "LIST"
	MethodDownload Method = "DOWNLOAD"
)

func (m Method) String() string {
	return string(m)
}
