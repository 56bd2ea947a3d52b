// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "SeriesWatch")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "serieswatch.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "serieswatch.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "serieswatch")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "serieswatch")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	viper.SetDefault("catalog.apiurl", "https://api.audible.com/1.0/catalog/products")
	viper.SetDefault("catalog.responsegroups", "product_desc,product_attrs,relationships,media,product_extended_attrs")
	viper.SetDefault("catalog.useragent", "SeriesWatch")
	viper.SetDefault("catalog.raterps", 2.0)
	viper.SetDefault("catalog.rateburst", 1)
	viper.SetDefault("catalog.timeout", 30*time.Second)
	viper.SetDefault("catalog.cachettl", 2*time.Minute)
	viper.SetDefault("catalog.proxy.enabled", false)

	viper.SetDefault("refresh.autoenabled", true)
	viper.SetDefault("refresh.cycleseconds", 24*60*60)
	viper.SetDefault("refresh.schedulerinterval", 60*time.Second)
	viper.SetDefault("refresh.batchsize", 10)
	viper.SetDefault("refresh.manualintervalminutes", 10)
	viper.SetDefault("refresh.rescheduledelay", 5*time.Minute)

	viper.SetDefault("notify.sweepinterval", 5*time.Minute)
	viper.SetDefault("notify.releasewindow", 24*time.Hour)
	viper.SetDefault("notify.sendtimeout", 20*time.Second)

	viper.SetDefault("jobs.maxhistory", 100)
	viper.SetDefault("jobs.pruneinterval", 24*time.Hour)
}
