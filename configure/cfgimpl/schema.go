package cfgimpl

const (
	configStatusNormal  = 0
	configStatusDeleted = 1
)

// ConfigInfo is one row of the config_info table shared by PgStore and GormWriter.
// A deleted configuration is kept with cfg_status = 1 so that change scans can report it.
type ConfigInfo struct {
	CfgId       int64  `gorm:"column:cfg_id;primaryKey;autoIncrement"`
	DataId      string `gorm:"column:data_id;size:255;not null;uniqueIndex:uk_config_info_key,priority:1"`
	GroupId     string `gorm:"column:group_id;size:128;not null;uniqueIndex:uk_config_info_key,priority:2"`
	TenantId    string `gorm:"column:tenant_id;size:128;not null;uniqueIndex:uk_config_info_key,priority:3"`
	Tag         string `gorm:"column:tag;size:128;not null;uniqueIndex:uk_config_info_key,priority:4"`
	Content     []byte `gorm:"column:content"`
	Md5         string `gorm:"column:md5;size:32;not null"`
	CfgStatus   int    `gorm:"column:cfg_status;not null"`
	SrcUser     string `gorm:"column:src_user;size:128;not null;default:''"`
	SrcIp       string `gorm:"column:src_ip;size:64;not null;default:''"`
	TimeCreated int64  `gorm:"column:time_created;not null"`
	TimeUpdated int64  `gorm:"column:time_updated;not null;index:idx_config_info_updated"`
}

func (ConfigInfo) TableName() string {
	return "config_info"
}
