package configapi

type PublishReq struct {
	DataId   string `cbor:"data_id," json:"dataId"`
	Group    string `cbor:"group," json:"group"`
	Tenant   string `cbor:"tenant," json:"tenant,omitempty"`
	Tag      string `cbor:"tag," json:"tag,omitempty"`
	Content  []byte `cbor:"content," json:"content"`
	Operator string `cbor:"operator," json:"operator,omitempty"`
	// Fingerprint is optional. When present it must match the content.
	Fingerprint string `cbor:"md5," json:"md5,omitempty"`
}

type PublishRes struct {
	Success      bool   `cbor:"success," json:"success"`
	Code         string `cbor:"code," json:"code"`
	Message      string `cbor:"message," json:"message"`
	LastModified int64  `cbor:"last_modified," json:"lastModified"`
}

// ChangeNotice is sent between nodes when a configuration was written to the shared store
type ChangeNotice struct {
	DataId       string `json:"dataId"`
	Group        string `json:"group"`
	Tenant       string `json:"tenant,omitempty"`
	Tag          string `json:"tag,omitempty"`
	LastModified int64  `json:"lastModified"`
	HandleIP     string `json:"handleIp,omitempty"`
}
