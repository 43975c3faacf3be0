package common

import (
	"bytes"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	viper.Reset()
	InstallDefaultConfigValues()

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	assert.Nil(validate.Struct(&config))

	assert.Equal("nats://127.0.0.1:4222", config.NATS.ServerURI)
	assert.Equal("evgate", config.Cluster.SubjectPrefix)
	assert.Equal(5, config.Cluster.RequestTimeout)

	assert.NotNil(config.Gateway)
	assert.Equal(uint16(3000), config.Gateway.HTTPSetting.Server.Port)
	assert.Equal("Evgate-Request-ID", config.Gateway.HTTPSetting.Logging.RequestIDHeader)
	assert.Equal(15, config.Gateway.Session.HeartbeatInterval)
	assert.Equal(60, config.Gateway.Session.SubscriptionRefreshInterval)
	assert.Equal(64, config.Gateway.Session.MailboxSize)
	assert.Equal([]string{"userid"}, config.Gateway.Metadata.IndexedFields)
	assert.Equal(map[string]string{"userid": "sub"}, config.Gateway.Metadata.JWTClaimMapping)
	assert.Empty(config.Gateway.Metadata.SupersedeField)
}

func TestConfigOverrides(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	viper.Reset()
	InstallDefaultConfigValues()

	userSettings := `---
cluster:
  subject_prefix: unit-test
gateway:
  session:
    heartbeat_interval_sec: 5
  metadata:
    indexed_fields:
      - userid
      - deviceid
    supersede_field: deviceid
  auth:
    hmac_secret: unit-test-secret
`
	viper.SetConfigType("yaml")
	assert.Nil(viper.ReadConfig(bytes.NewBufferString(userSettings)))

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	assert.Nil(validate.Struct(&config))

	assert.Equal("unit-test", config.Cluster.SubjectPrefix)
	assert.Equal(5, config.Gateway.Session.HeartbeatInterval)
	assert.Equal([]string{"userid", "deviceid"}, config.Gateway.Metadata.IndexedFields)
	assert.Equal("deviceid", config.Gateway.Metadata.SupersedeField)
	assert.Equal("unit-test-secret", config.Gateway.Auth.HMACSecret)

	// Case: invalid session settings are caught
	badSettings := `---
gateway:
  session:
    mailbox_size: 0
`
	viper.Reset()
	InstallDefaultConfigValues()
	viper.SetConfigType("yaml")
	assert.Nil(viper.ReadConfig(bytes.NewBufferString(badSettings)))
	assert.Nil(viper.Unmarshal(&config))
	assert.NotNil(validate.Struct(&config))
}
